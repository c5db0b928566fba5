package domain

// Balance is the spendable funds for one asset on an exchange account.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}
