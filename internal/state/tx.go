package state

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
)

// Tx is a buffered overlay over a Store. All writes and deletes accumulate
// in memory and reach the underlying store only on Commit. Dropping a Tx
// without committing discards everything — this is how a bounced trigger
// leaves no partial state behind.
//
// Tx is not safe for concurrent use; trigger processing is strictly serial.
type Tx struct {
	base    Store
	writes  map[string]json.RawMessage
	deletes map[string]struct{}
}

// NewTx creates a transaction overlay on top of base.
func NewTx(base Store) *Tx {
	return &Tx{
		base:    base,
		writes:  make(map[string]json.RawMessage),
		deletes: make(map[string]struct{}),
	}
}

func (t *Tx) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if _, dead := t.deletes[key]; dead {
		return nil, false, nil
	}
	if v, ok := t.writes[key]; ok {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		return cp, true, nil
	}
	return t.base.Get(ctx, key)
}

func (t *Tx) Put(_ context.Context, key string, value json.RawMessage) error {
	delete(t.deletes, key)
	cp := make(json.RawMessage, len(value))
	copy(cp, value)
	t.writes[key] = cp
	return nil
}

func (t *Tx) Delete(_ context.Context, key string) error {
	delete(t.writes, key)
	t.deletes[key] = struct{}{}
	return nil
}

func (t *Tx) Keys(ctx context.Context, prefix string) ([]string, error) {
	baseKeys, err := t.base.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(baseKeys))
	var keys []string
	for _, k := range baseKeys {
		if _, dead := t.deletes[k]; dead {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for k := range t.writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Commit flushes all buffered writes and deletes to the underlying store.
func (t *Tx) Commit(ctx context.Context) error {
	for k := range t.deletes {
		if err := t.base.Delete(ctx, k); err != nil {
			return err
		}
	}
	for k, v := range t.writes {
		if err := t.base.Put(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}
