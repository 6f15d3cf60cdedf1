// Package state defines the flat key-value persistence layer for the token
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
//
// The engine addresses everything through string keys ("pool_<asset>",
// "user_<address>", ...) whose naming is part of the external contract
// surface; values are JSON documents.
package state

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is the persistence interface. Values are opaque JSON documents.
type Store interface {
	// Get retrieves the value under key. found is false when the key has
	// never been written or has been deleted.
	Get(ctx context.Context, key string) (value json.RawMessage, found bool, err error)

	// Put writes the value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value json.RawMessage) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// GetJSON reads a key and unmarshals it into out. Returns false when the
// key is absent, leaving out untouched.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON marshals v and writes it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return s.Put(ctx, key, raw)
}
