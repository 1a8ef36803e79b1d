package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tokend/pkg/apps"
	"tokend/pkg/config"
)

// Stats is a snapshot of the manager's process-local counters. Counters
// only grow; there is no reset short of constructing a new manager.
type Stats struct {
	TotalRequests uint64 `json:"total_requests"`
	CacheHits     uint64 `json:"cache_hits"`
	CacheMisses   uint64 `json:"cache_misses"`
	RetryCount    uint64 `json:"retry_count"`
	RefreshCount  uint64 `json:"refresh_count"`
}

// Manager is the credential facade: it owns one application identity,
// reads tokens through the store, and acquires fresh ones under the retry
// policy. Safe for concurrent use; concurrent misses for the same cache
// key coalesce into a single upstream fetch.
type Manager struct {
	mu      sync.RWMutex
	app     apps.App
	version string

	store     *Store
	acq       Acquirer
	validator Validator
	retryMax  int
	retryBase time.Duration
	log       *zap.SugaredLogger
	metrics   *Metrics
	group     singleflight.Group
	now       func() time.Time

	totalRequests atomic.Uint64
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64
	retryCount    atomic.Uint64
	refreshCount  atomic.Uint64
}

// NewManager validates the identity eagerly: a manager without credentials
// is a construction error, never a retried runtime one. metrics may be nil.
func NewManager(cfg config.Config, app apps.App, store *Store, acq Acquirer, log *zap.SugaredLogger, metrics *Metrics) (*Manager, error) {
	if app.AppKey == "" {
		return nil, &ConfigError{Field: "app_key"}
	}
	if app.AppSecret == "" {
		return nil, &ConfigError{Field: "app_secret"}
	}
	return &Manager{
		app:       app,
		version:   cfg.APIVersion,
		store:     store,
		acq:       acq,
		validator: NewValidator(cfg.RefreshBuffer),
		retryMax:  cfg.RetryMax,
		retryBase: cfg.RetryBaseDelay,
		log:       log,
		metrics:   metrics,
		now:       time.Now,
	}, nil
}

// GetAccessToken returns a currently valid token, from cache when possible.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	app := m.Credentials()
	label := appLabel(app.AppKey)
	m.totalRequests.Add(1)
	m.metrics.incRequests(label)

	key := Key(app.AppKey, m.version)
	if env, ok, err := m.store.Get(ctx, key); err == nil && ok && m.validator.Valid(env.Token, env.ExpireAt) {
		m.cacheHits.Add(1)
		m.metrics.incHits(label)
		return env.Token, nil
	}
	m.cacheMisses.Add(1)
	m.metrics.incMisses(label)

	env, err := m.fetch(ctx, key, app, false)
	if err != nil {
		return "", err
	}
	return env.Token, nil
}

// RefreshAccessToken bypasses the cache check and overwrites the cached
// entry. For callers with independent evidence the token is bad (the
// platform rejected it).
func (m *Manager) RefreshAccessToken(ctx context.Context) (string, error) {
	app := m.Credentials()
	m.refreshCount.Add(1)
	m.metrics.incRefreshes(appLabel(app.AppKey))

	env, err := m.fetch(ctx, Key(app.AppKey, m.version), app, true)
	if err != nil {
		return "", err
	}
	return env.Token, nil
}

// fetch coalesces concurrent acquisitions per cache key. Forced refreshes
// use a separate flight key so they are never answered by a plain get's
// in-flight fetch.
func (m *Manager) fetch(ctx context.Context, key string, app apps.App, forced bool) (Envelope, error) {
	flightKey := key
	if forced {
		flightKey = "refresh:" + key
	}
	v, err, _ := m.group.Do(flightKey, func() (any, error) {
		if !forced {
			// A coalesced waiter may arrive after the winner already
			// stored a fresh token.
			if env, ok, err := m.store.Get(ctx, key); err == nil && ok && m.validator.Valid(env.Token, env.ExpireAt) {
				return env, nil
			}
		}
		policy := RetryPolicy{
			MaxAttempts: m.retryMax,
			BaseDelay:   m.retryBase,
			OnRetry: func(attempt int, err error) {
				m.retryCount.Add(1)
				m.metrics.incRetries(appLabel(app.AppKey))
				m.log.Warnw("token acquire retry", "app_key", app.AppKey, "attempt", attempt, "err", err)
			},
		}
		g, err := policy.Do(ctx, func(ctx context.Context) (Grant, error) {
			return m.acq.Acquire(ctx, app)
		})
		if err != nil {
			m.log.Errorw("token acquisition failed", "app_key", app.AppKey, "err", err)
			return nil, err
		}
		env := Envelope{Token: g.Token, ExpireAt: m.now().Add(g.TTL).Unix()}
		if err := m.store.Set(ctx, key, env, g.TTL); err != nil {
			// The token is still good; the next call just misses again.
			m.log.Warnw("token cache write failed", "app_key", app.AppKey, "err", err)
		}
		m.log.Infow("token refreshed", "app_key", app.AppKey, "expire_at", env.ExpireAt)
		return env, nil
	})
	if err != nil {
		return Envelope{}, err
	}
	return v.(Envelope), nil
}

// IsTokenValid is the pure validity predicate: format plus, when expireAt
// is non-zero, the buffered expiry check. No I/O.
func (m *Manager) IsTokenValid(token string, expireAt int64) bool {
	return m.validator.Valid(token, expireAt)
}

// IsTokenExpiringSoon reads the cached entry and applies the buffer check.
// No cached entry means "needs refresh".
func (m *Manager) IsTokenExpiringSoon(ctx context.Context) bool {
	app := m.Credentials()
	env, ok, err := m.store.Get(ctx, Key(app.AppKey, m.version))
	if err != nil || !ok {
		return true
	}
	return !m.validator.Valid(env.Token, env.ExpireAt)
}

// ClearTokenCache deletes the cached token for appKey (default: the
// manager's own identity) and reports whether a deletion occurred.
func (m *Manager) ClearTokenCache(ctx context.Context, appKey ...string) bool {
	key := m.Credentials().AppKey
	if len(appKey) > 0 && appKey[0] != "" {
		key = appKey[0]
	}
	ok, err := m.store.Delete(ctx, Key(key, m.version))
	if err != nil {
		m.log.Warnw("token cache delete failed", "app_key", key, "err", err)
		return false
	}
	return ok
}

// SetCredentials points future calls at a new identity. The old identity's
// cache entry is left alone: other manager instances may still address it.
func (m *Manager) SetCredentials(appKey, appSecret string) {
	m.mu.Lock()
	m.app.AppKey = appKey
	m.app.AppSecret = appSecret
	m.mu.Unlock()
}

func (m *Manager) Credentials() apps.App {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.app
}

// Stats returns a snapshot; it never mutates.
func (m *Manager) Stats() Stats {
	return Stats{
		TotalRequests: m.totalRequests.Load(),
		CacheHits:     m.cacheHits.Load(),
		CacheMisses:   m.cacheMisses.Load(),
		RetryCount:    m.retryCount.Load(),
		RefreshCount:  m.refreshCount.Load(),
	}
}

// APIVersion is the version this manager's cache keys are scoped to.
func (m *Manager) APIVersion() string { return m.version }

// Store exposes the token store for collaborators that cache secondary
// credentials (the JSAPI ticket) under the same envelope rules.
func (m *Manager) Store() *Store { return m.store }

func appLabel(appKey string) string {
	h := sha256.Sum256([]byte(appKey))
	return hex.EncodeToString(h[:])[:12]
}
