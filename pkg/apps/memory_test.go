package apps

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"tokend/pkg/config"
)

func TestMemoryProviderFromConfig(t *testing.T) {
	cfg := config.Config{AppKey: "app-a", AppSecret: "secret-a", CorpID: "corp1"}
	p := NewMemoryProvider(cfg, zap.NewNop().Sugar())

	a, err := p.AppByKey(context.Background(), "app-a")
	if err != nil {
		t.Fatalf("AppByKey: %v", err)
	}
	if a.AppSecret != "secret-a" || a.CorpID != "corp1" {
		t.Errorf("unexpected app: %+v", a)
	}

	if _, err := p.AppByKey(context.Background(), "nope"); err != ErrNotFound {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryProviderSeedFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apps.yaml")
	seed := `
- app_key: app-a
  app_secret: file-secret
- app_key: app-b
  app_secret: secret-b
  agent_id: "42"
`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatal(err)
	}

	// Config default for app-a must not overwrite the file entry.
	cfg := config.Config{AppsSeedFile: path, AppKey: "app-a", AppSecret: "env-secret"}
	p := NewMemoryProvider(cfg, zap.NewNop().Sugar())

	a, err := p.AppByKey(context.Background(), "app-a")
	if err != nil {
		t.Fatalf("AppByKey: %v", err)
	}
	if a.AppSecret != "file-secret" {
		t.Errorf("seed file entry overwritten: %+v", a)
	}

	b, err := p.AppByKey(context.Background(), "app-b")
	if err != nil {
		t.Fatalf("AppByKey: %v", err)
	}
	if b.AgentID != "42" {
		t.Errorf("agent_id not parsed: %+v", b)
	}

	keys, err := p.ListAppKeys(context.Background())
	if err != nil {
		t.Fatalf("ListAppKeys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "app-a" || keys[1] != "app-b" {
		t.Errorf("keys = %v", keys)
	}
}

func TestMemoryProviderSeedEnvJSON(t *testing.T) {
	t.Setenv("APPS_SEED_JSON", `[{"app_key":"app-j","app_secret":"sj"}]`)
	p := NewMemoryProvider(config.Config{}, zap.NewNop().Sugar())

	if _, err := p.AppByKey(context.Background(), "app-j"); err != nil {
		t.Fatalf("AppByKey: %v", err)
	}
}
