package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"tokend/pkg/apps"
	"tokend/pkg/cache"
	"tokend/pkg/config"
)

// scriptedAcquirer plays back one response per call, optionally gated so
// tests can hold acquisitions in flight.
type scriptedAcquirer struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (Grant, error)
	gate  chan struct{}
}

func (s *scriptedAcquirer) Acquire(context.Context, apps.App) (Grant, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.gate != nil {
		<-s.gate
	}
	return s.fn(n)
}

func (s *scriptedAcquirer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig() config.Config {
	return config.Config{
		APIVersion:     config.APIVersionCurrent,
		RetryMax:       3,
		RetryBaseDelay: time.Millisecond,
		RefreshBuffer:  300 * time.Second,
	}
}

func newTestManager(t *testing.T, appKey string, store *Store, acq Acquirer) *Manager {
	t.Helper()
	m, err := NewManager(testConfig(), apps.App{AppKey: appKey, AppSecret: "secret"}, store, acq, zap.NewNop().Sugar(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestNewManagerRequiresCredentials(t *testing.T) {
	store := NewStore(cache.NewMemory())
	var ce *ConfigError

	_, err := NewManager(testConfig(), apps.App{AppSecret: "s"}, store, nil, zap.NewNop().Sugar(), nil)
	if !errors.As(err, &ce) {
		t.Errorf("missing app key: want ConfigError, got %v", err)
	}
	_, err = NewManager(testConfig(), apps.App{AppKey: "k"}, store, nil, zap.NewNop().Sugar(), nil)
	if !errors.As(err, &ce) {
		t.Errorf("missing secret: want ConfigError, got %v", err)
	}
}

func TestGetAccessTokenIdempotentHit(t *testing.T) {
	acq := &scriptedAcquirer{fn: func(int) (Grant, error) {
		return Grant{Token: "token-aaaaaaaaaaaaaaaa", TTL: 2 * time.Hour}, nil
	}}
	m := newTestManager(t, "app-a", NewStore(cache.NewMemory()), acq)
	ctx := context.Background()

	first, err := m.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := m.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if first != second {
		t.Errorf("tokens differ across consecutive gets: %q vs %q", first, second)
	}
	if acq.callCount() != 1 {
		t.Errorf("acquirer called %d times, want 1", acq.callCount())
	}

	st := m.Stats()
	if st.TotalRequests != 2 || st.CacheHits != 1 || st.CacheMisses != 1 {
		t.Errorf("stats = %+v, want 2 requests / 1 hit / 1 miss", st)
	}
}

func TestRefreshChangesIdentityAndExtendsExpiry(t *testing.T) {
	acq := &scriptedAcquirer{fn: func(call int) (Grant, error) {
		return Grant{Token: fmt.Sprintf("token-%d-aaaaaaaaaaaaaaaa", call), TTL: 2 * time.Hour}, nil
	}}
	store := NewStore(cache.NewMemory())
	m := newTestManager(t, "app-a", store, acq)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	first, err := m.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	env1, _, _ := store.Get(ctx, Key("app-a", m.APIVersion()))

	now = now.Add(10 * time.Second)
	refreshed, err := m.RefreshAccessToken(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed == first {
		t.Error("refresh returned the prior token")
	}
	env2, _, _ := store.Get(ctx, Key("app-a", m.APIVersion()))
	if env2.ExpireAt <= env1.ExpireAt {
		t.Errorf("expiry did not advance: %d -> %d", env1.ExpireAt, env2.ExpireAt)
	}
	if m.Stats().RefreshCount != 1 {
		t.Errorf("refreshCount = %d", m.Stats().RefreshCount)
	}
}

func TestMultiAppIsolation(t *testing.T) {
	backend := cache.NewMemory()
	store := NewStore(backend)
	ctx := context.Background()

	acqA := &scriptedAcquirer{fn: func(int) (Grant, error) {
		return Grant{Token: "token-for-app-a-aaaa", TTL: time.Hour}, nil
	}}
	acqB := &scriptedAcquirer{fn: func(int) (Grant, error) {
		return Grant{Token: "token-for-app-b-bbbb", TTL: time.Hour}, nil
	}}
	ma := newTestManager(t, "app-a", store, acqA)
	mb := newTestManager(t, "app-b", store, acqB)

	ta, err := ma.GetAccessToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tb, err := mb.GetAccessToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ta == tb {
		t.Fatal("distinct apps shared a cached token")
	}

	// Clearing A's cache must not touch B's entry.
	if !ma.ClearTokenCache(ctx) {
		t.Error("clear on app-a removed nothing")
	}
	if got, _ := mb.GetAccessToken(ctx); got != tb {
		t.Error("app-b token lost after clearing app-a")
	}
	if acqB.callCount() != 1 {
		t.Errorf("app-b re-fetched after app-a clear: %d calls", acqB.callCount())
	}
}

func TestRetryThenSucceed(t *testing.T) {
	acq := &scriptedAcquirer{fn: func(call int) (Grant, error) {
		if call <= 2 {
			return Grant{}, &NetworkError{Err: fmt.Errorf("refused")}
		}
		return Grant{Token: "eventual-token-aaaaa", TTL: time.Hour}, nil
	}}
	m := newTestManager(t, "app-a", NewStore(cache.NewMemory()), acq)

	tok, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tok != "eventual-token-aaaaa" {
		t.Errorf("token = %q", tok)
	}
	if st := m.Stats(); st.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", st.RetryCount)
	}
}

func TestRetryExhaustionRaises(t *testing.T) {
	acq := &scriptedAcquirer{fn: func(int) (Grant, error) {
		return Grant{}, &NetworkError{Err: fmt.Errorf("timeout")}
	}}
	m := newTestManager(t, "app-a", NewStore(cache.NewMemory()), acq)

	tok, err := m.GetAccessToken(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted match", err)
	}
	if tok != "" {
		t.Errorf("failure returned a token: %q", tok)
	}
	if acq.callCount() != 3 {
		t.Errorf("acquirer called %d times, want 3", acq.callCount())
	}
}

func TestFatalErrorSkipsRetries(t *testing.T) {
	acq := &scriptedAcquirer{fn: func(int) (Grant, error) {
		return Grant{}, &AuthError{Code: "40001", Message: "invalid appsecret"}
	}}
	m := newTestManager(t, "app-a", NewStore(cache.NewMemory()), acq)

	_, err := m.GetAccessToken(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if acq.callCount() != 1 {
		t.Errorf("fatal failure consumed %d attempts, want 1", acq.callCount())
	}
	if st := m.Stats(); st.RetryCount != 0 {
		t.Errorf("retryCount = %d, want 0", st.RetryCount)
	}
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	acq := &scriptedAcquirer{
		gate: make(chan struct{}),
		fn: func(int) (Grant, error) {
			return Grant{Token: "coalesced-token-aaaa", TTL: time.Hour}, nil
		},
	}
	m := newTestManager(t, "app-a", NewStore(cache.NewMemory()), acq)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetAccessToken(ctx)
		}(i)
	}

	// Let every caller reach the miss path, then release the single
	// in-flight acquisition.
	time.Sleep(50 * time.Millisecond)
	close(acq.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "coalesced-token-aaaa" {
			t.Errorf("caller %d got %q", i, tokens[i])
		}
	}
	if got := acq.callCount(); got != 1 {
		t.Errorf("acquirer called %d times for concurrent misses, want 1", got)
	}
}

func TestSetCredentialsAddressesNewKeyOnly(t *testing.T) {
	backend := cache.NewMemory()
	store := NewStore(backend)
	ctx := context.Background()

	acq := &scriptedAcquirer{fn: func(call int) (Grant, error) {
		return Grant{Token: fmt.Sprintf("token-%d-aaaaaaaaaaaaaaaa", call), TTL: time.Hour}, nil
	}}
	m := newTestManager(t, "app-old", store, acq)

	oldTok, err := m.GetAccessToken(ctx)
	if err != nil {
		t.Fatal(err)
	}

	m.SetCredentials("app-new", "secret-new")
	newTok, err := m.GetAccessToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if newTok == oldTok {
		t.Error("new identity served the old identity's token")
	}

	// The old identity's entry must survive: other instances may use it.
	env, ok, _ := store.Get(ctx, Key("app-old", m.APIVersion()))
	if !ok || env.Token != oldTok {
		t.Error("old identity's cache entry was removed by SetCredentials")
	}
	if got := m.Credentials(); got.AppKey != "app-new" {
		t.Errorf("Credentials().AppKey = %q", got.AppKey)
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	store := NewStore(cache.NewMemory())
	acq := &scriptedAcquirer{fn: func(int) (Grant, error) {
		return Grant{Token: "token-aaaaaaaaaaaaaaaa", TTL: time.Hour}, nil
	}}
	m := newTestManager(t, "app-a", store, acq)
	ctx := context.Background()

	if !m.IsTokenExpiringSoon(ctx) {
		t.Error("empty cache should report expiring soon")
	}

	if _, err := m.GetAccessToken(ctx); err != nil {
		t.Fatal(err)
	}
	if m.IsTokenExpiringSoon(ctx) {
		t.Error("fresh token reported expiring soon")
	}

	// Shrink the entry's remaining life to inside the buffer.
	key := Key("app-a", m.APIVersion())
	_ = store.Set(ctx, key, Envelope{Token: "token-aaaaaaaaaaaaaaaa", ExpireAt: time.Now().Unix() + 60}, time.Minute)
	if !m.IsTokenExpiringSoon(ctx) {
		t.Error("token inside refresh buffer not reported")
	}
}
