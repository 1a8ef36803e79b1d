package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		AppKey:     "app-a",
		AppSecret:  "secret-a",
		APIVersion: APIVersionCurrent,
		RetryMax:   3,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"complete", func(*Config) {}, true},
		{"legacy version", func(c *Config) { c.APIVersion = APIVersionLegacy }, true},
		{"missing app key", func(c *Config) { c.AppKey = "" }, false},
		{"missing secret", func(c *Config) { c.AppSecret = "" }, false},
		{"unknown version", func(c *Config) { c.APIVersion = "v3" }, false},
		{"zero retries", func(c *Config) { c.RetryMax = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PLATFORM_APP_KEY", "app-a")
	t.Setenv("PLATFORM_APP_SECRET", "secret-a")

	c := Load()
	if c.APIVersion != APIVersionCurrent {
		t.Errorf("default APIVersion = %q", c.APIVersion)
	}
	if c.RetryMax != 3 || c.RetryBaseDelay != 200*time.Millisecond {
		t.Errorf("retry defaults = %d / %v", c.RetryMax, c.RetryBaseDelay)
	}
	if c.RefreshBuffer != 300*time.Second || c.HTTPTimeout != 10*time.Second {
		t.Errorf("timing defaults = %v / %v", c.RefreshBuffer, c.HTTPTimeout)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults with credentials should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PLATFORM_API_VERSION", APIVersionLegacy)
	t.Setenv("TOKEN_RETRY_MAX", "5")
	t.Setenv("TOKEN_RETRY_BASE_DELAY_MS", "50")
	t.Setenv("TOKEN_REFRESH_BUFFER_SEC", "600")

	c := Load()
	if c.APIVersion != APIVersionLegacy {
		t.Errorf("APIVersion = %q", c.APIVersion)
	}
	if c.RetryMax != 5 {
		t.Errorf("RetryMax = %d", c.RetryMax)
	}
	if c.RetryBaseDelay != 50*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v", c.RetryBaseDelay)
	}
	if c.RefreshBuffer != 600*time.Second {
		t.Errorf("RefreshBuffer = %v", c.RefreshBuffer)
	}
}
