// Package revocation tracks credential ids that must be rejected before
// their natural expiry, backed by the same Redis/memory dual Cache the rest
// of the gateway uses for ephemeral state.
package revocation

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"rpcgate/pkg/store"
)

const keyPrefix = "revoked:"

// Store answers whether a credential id has been revoked.
type Store struct {
	cache store.Cache
}

func New(cache store.Cache) *Store {
	return &Store{cache: cache}
}

// Revoke blacklists credentialID until expiresAt. Calling Revoke on an
// already-revoked id overwrites the entry, so the TTL from the latest call
// wins. An expiresAt already in the past records nothing.
func (s *Store) Revoke(ctx context.Context, credentialID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.cache.Set(ctx, keyPrefix+credentialID, "1", ttl)
}

// IsRevoked reports whether credentialID is on the blacklist. A cache miss
// means not revoked; any other error is returned so callers can fail closed.
func (s *Store) IsRevoked(ctx context.Context, credentialID string) (bool, error) {
	_, err := s.cache.Get(ctx, keyPrefix+credentialID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
