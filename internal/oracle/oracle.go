// Package oracle provides the external TVL data feed consumed by the
// bonding-curve engine for arb-profit taxation and coefficient appreciation.
// The feed is an opaque timestamped numeric value; its transport is out of
// scope and mocked in tests.
package oracle

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Feed exposes the latest posted value of a named data feed.
type Feed interface {
	// Latest returns the most recent value and its post timestamp.
	// found is false when nothing has been posted yet.
	Latest(name string) (value decimal.Decimal, postedAt int64, found bool)
}

// MemoryFeed is an in-memory Feed that accepts posted values, keyed by feed
// name. Used for testing and for single-process deployments where the
// ledger adapter pushes data-feed units directly.
type MemoryFeed struct {
	mu     sync.RWMutex
	values map[string]entry
}

type entry struct {
	value    decimal.Decimal
	postedAt int64
}

// NewMemoryFeed creates an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{values: make(map[string]entry)}
}

// Post records a new value for the named feed.
func (f *MemoryFeed) Post(name string, value decimal.Decimal, postedAt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = entry{value: value, postedAt: postedAt}
}

func (f *MemoryFeed) Latest(name string) (decimal.Decimal, int64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.values[name]
	if !ok {
		return decimal.Zero, 0, false
	}
	return e.value, e.postedAt, true
}
