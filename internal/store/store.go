// Package store implements the scoped key-value store that backs session
// identities, locally registered credentials and cart snapshots.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKey indicates a zero Key was supplied.
	ErrInvalidKey = errors.New("store: invalid key")
	// ErrInvalidScope indicates an empty scope identifier.
	ErrInvalidScope = errors.New("store: invalid scope")
	// ErrMalformed indicates a persisted value could not be decoded.
	ErrMalformed = errors.New("store: malformed value")
)

// Store reads and writes the entries of one scope.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Put(ctx context.Context, key Key, value []byte) error
	Delete(ctx context.Context, keys ...Key) error
}

// Backend hands out Store handles bound to a scope.
type Backend interface {
	Scope(scopeID string) (Store, error)
}

// GetJSON loads the entry under key into dest. A value that does not decode
// is reported as ErrMalformed so callers can treat it as absent.
func GetJSON(ctx context.Context, s Store, key Key, dest any) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrMalformed, key.String(), err)
	}
	return true, nil
}

// PutJSON serializes value and writes it under key.
func PutJSON(ctx context.Context, s Store, key Key, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, raw)
}

func normalizeScope(scopeID string) (string, error) {
	trimmed := strings.TrimSpace(scopeID)
	if trimmed == "" {
		return "", ErrInvalidScope
	}
	if len(trimmed) > maxScopeLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidScope, maxScopeLength)
	}
	return trimmed, nil
}

func validateKeys(keys ...Key) error {
	for _, key := range keys {
		if key.IsZero() {
			return ErrInvalidKey
		}
	}
	return nil
}
