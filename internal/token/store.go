package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"tokend/pkg/cache"
)

const keyPrefix = "tokend:token:"

// Envelope is the self-describing cache value. ExpireAt is an absolute
// unix timestamp so validity checks never depend on the cache backend's
// own TTL bookkeeping.
type Envelope struct {
	Token    string `json:"token"`
	ExpireAt int64  `json:"expire_at"`
}

// Key derives the cache key for one application identity and API version.
// Distinct app keys never collide; equal app keys always do. The version
// is part of the key because both endpoint shapes may be live at once.
func Key(appKey, apiVersion string) string {
	h := sha256.Sum256([]byte(appKey))
	return keyPrefix + hex.EncodeToString(h[:])[:16] + ":" + apiVersion
}

// TicketKey scopes the JSAPI ticket for the same identity.
func TicketKey(appKey, apiVersion string) string {
	return Key(appKey, apiVersion) + ":ticket"
}

// Store adapts the cache capability to token envelopes. All cache access
// for tokens goes through here so the envelope invariant holds everywhere.
type Store struct {
	cache cache.Cache
}

func NewStore(c cache.Cache) *Store {
	return &Store{cache: c}
}

func (s *Store) Get(ctx context.Context, key string) (Envelope, bool, error) {
	b, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return Envelope{}, false, err
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		// A corrupt entry is treated as a miss; the next set repairs it.
		return Envelope{}, false, nil
	}
	return env, true, nil
}

func (s *Store) Set(ctx context.Context, key string, env Envelope, ttl time.Duration) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode token envelope: %w", err)
	}
	return s.cache.Set(ctx, key, b, ttl)
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	return s.cache.Delete(ctx, key)
}

func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	return s.cache.Has(ctx, key)
}
