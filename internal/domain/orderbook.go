package domain

// PriceLevel is a single price+size entry in an order book. Size is
// denominated in the pair's base asset.
type PriceLevel struct {
	Price float64
	Size  float64
}

// DepthAt walks the given levels, best first, accumulating base-asset size
// until either maxLevels levels have been consumed or a level's price
// deviates from limitPrice by more than tolerance (a fraction, e.g. 0.10).
// It returns the accumulated size. Levels with non-positive price or size
// are skipped.
func DepthAt(levels []PriceLevel, limitPrice float64, tolerance float64, maxLevels int) float64 {
	if limitPrice <= 0 || maxLevels <= 0 {
		return 0
	}
	var depth float64
	n := 0
	for _, lvl := range levels {
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}
		dev := lvl.Price/limitPrice - 1
		if dev < 0 {
			dev = -dev
		}
		if dev > tolerance {
			break
		}
		depth += lvl.Size
		n++
		if n >= maxLevels {
			break
		}
	}
	return depth
}
