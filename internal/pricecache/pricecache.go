// Package pricecache holds the latest order-book quote for every tradable
// pair, keyed by exchange. Each exchange slice has a single writer (that
// venue's stream worker); readers take immutable snapshots.
package pricecache

import (
	"sync"
	"time"

	"github.com/openarb/tribot/internal/domain"
)

// Cache is the in-process quote store shared by stream workers and scan
// loops.
type Cache struct {
	mu    sync.RWMutex
	books map[string]map[string]domain.TradingPair // exchange -> symbol -> quote
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{books: make(map[string]map[string]domain.TradingPair)}
}

// Put stores the latest quote for one pair on one exchange, replacing any
// previous quote for the same symbol.
func (c *Cache) Put(exchange string, pair domain.TradingPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	book, ok := c.books[exchange]
	if !ok {
		book = make(map[string]domain.TradingPair)
		c.books[exchange] = book
	}
	book[pair.Symbol] = pair
}

// PutBatch stores a batch of quotes under one lock acquisition.
func (c *Cache) PutBatch(exchange string, pairs []domain.TradingPair) {
	if len(pairs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	book, ok := c.books[exchange]
	if !ok {
		book = make(map[string]domain.TradingPair, len(pairs))
		c.books[exchange] = book
	}
	for _, p := range pairs {
		book[p.Symbol] = p
	}
}

// Get returns the latest quote for symbol on exchange.
func (c *Cache) Get(exchange, symbol string) (domain.TradingPair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.books[exchange][symbol]
	return p, ok
}

// Len reports how many symbols currently have a quote on exchange.
func (c *Cache) Len(exchange string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.books[exchange])
}

// Clear drops all quotes for exchange.
func (c *Cache) Clear(exchange string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.books, exchange)
}

// Snapshot copies the current book for exchange. The copy is detached:
// later writes to the cache never show through, so a scan pass sees one
// consistent view.
func (c *Cache) Snapshot(exchange string) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	book := c.books[exchange]
	pairs := make(map[string]domain.TradingPair, len(book))
	for sym, p := range book {
		pairs[sym] = p
	}
	return Snapshot{Exchange: exchange, Pairs: pairs, TakenAt: time.Now()}
}

// Snapshot is a point-in-time copy of one exchange's quotes.
type Snapshot struct {
	Exchange string
	Pairs    map[string]domain.TradingPair
	TakenAt  time.Time
}

// Get returns the snapshotted quote for symbol.
func (s Snapshot) Get(symbol string) (domain.TradingPair, bool) {
	p, ok := s.Pairs[symbol]
	return p, ok
}

// Fresh reports whether the quote for symbol exists, is uncrossed, has
// positive sizes on both sides, and was updated within bound of now.
func (s Snapshot) Fresh(symbol string, bound time.Duration, now time.Time) (domain.TradingPair, bool) {
	p, ok := s.Pairs[symbol]
	if !ok || !p.HasQuote() || p.Crossed() || p.Stale(bound, now) {
		return domain.TradingPair{}, false
	}
	return p, true
}
