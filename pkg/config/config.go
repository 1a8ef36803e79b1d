// pkg/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// APIVersionLegacy is the query-parameter token endpoint (gettoken);
// APIVersionCurrent is the JSON oauth2 endpoint. Both may be active at
// once across different manager instances, so cache keys include it.
const (
	APIVersionLegacy  = "v1"
	APIVersionCurrent = "v2"
)

type Config struct {
	Env      string
	HTTPAddr string

	// Platform API
	APIBaseURL string
	APIVersion string

	// Default application identity (more apps via the apps registry)
	AppKey    string
	AppSecret string
	CorpID    string
	AgentID   string

	// Token lifecycle tuning
	RetryMax       int           // total attempts per acquisition
	RetryBaseDelay time.Duration // first backoff step, doubles per attempt
	RefreshBuffer  time.Duration // treat tokens expiring within this as stale
	HTTPTimeout    time.Duration // per-attempt network timeout

	// Optional bearer-JWT guard on the service endpoints
	Issuer   string
	Audience string
	JWKSURL  string

	// Backends
	RedisURL     string
	DatabaseURL  string
	AppsSeedFile string
}

func Load() Config {
	_ = godotenv.Load()
	return Config{
		Env:            env("TOKEND_ENV", "dev"),
		HTTPAddr:       env("TOKEND_HTTP_ADDR", ":8090"),
		APIBaseURL:     env("PLATFORM_API_BASE_URL", "https://api.dingtalk.com"),
		APIVersion:     env("PLATFORM_API_VERSION", APIVersionCurrent),
		AppKey:         env("PLATFORM_APP_KEY", ""),
		AppSecret:      env("PLATFORM_APP_SECRET", ""),
		CorpID:         env("PLATFORM_CORP_ID", ""),
		AgentID:        env("PLATFORM_AGENT_ID", ""),
		RetryMax:       envInt("TOKEN_RETRY_MAX", 3),
		RetryBaseDelay: envDur("TOKEN_RETRY_BASE_DELAY_MS", 200) * time.Millisecond,
		RefreshBuffer:  envDur("TOKEN_REFRESH_BUFFER_SEC", 300) * time.Second,
		HTTPTimeout:    envDur("TOKEN_HTTP_TIMEOUT_SEC", 10) * time.Second,
		Issuer:         env("OIDC_ISSUER", ""),
		Audience:       env("OIDC_AUDIENCE", "tokend"),
		JWKSURL:        env("JWKS_URL", ""),
		RedisURL:       env("REDIS_URL", ""),
		DatabaseURL:    env("DATABASE_URL", ""),
		AppsSeedFile:   env("APPS_SEED_FILE", ""),
	}
}

// Validate rejects configurations the manager cannot start with. Missing
// credentials are a construction-time failure, never retried.
func (c Config) Validate() error {
	if c.AppKey == "" {
		return fmt.Errorf("config: PLATFORM_APP_KEY is required")
	}
	if c.AppSecret == "" {
		return fmt.Errorf("config: PLATFORM_APP_SECRET is required")
	}
	if c.APIVersion != APIVersionLegacy && c.APIVersion != APIVersionCurrent {
		return fmt.Errorf("config: unknown PLATFORM_API_VERSION %q", c.APIVersion)
	}
	if c.RetryMax < 1 {
		return fmt.Errorf("config: TOKEN_RETRY_MAX must be >= 1")
	}
	return nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i)
		}
	}
	return time.Duration(def)
}
