// pkg/apps/memory.go
package apps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"tokend/pkg/config"
)

type memProvider struct {
	log   *zap.SugaredLogger
	byKey map[string]App
}

// NewMemoryProvider builds an in-process registry. Apps come from, in
// order: the seed file (YAML or JSON list of apps), the APPS_SEED_JSON env
// var, and the default identity in the config. Later sources never
// overwrite earlier ones for the same key.
func NewMemoryProvider(cfg config.Config, log *zap.SugaredLogger) Provider {
	p := &memProvider{log: log, byKey: map[string]App{}}
	if cfg.AppsSeedFile != "" {
		if err := p.loadSeedFile(cfg.AppsSeedFile); err != nil {
			log.Warnw("apps seed file", "path", cfg.AppsSeedFile, "err", err)
		}
	}
	if seed := os.Getenv("APPS_SEED_JSON"); seed != "" {
		var entries []App
		if err := json.Unmarshal([]byte(seed), &entries); err != nil {
			log.Warnw("apps seed json", "err", err)
		} else {
			p.add(entries)
		}
	}
	if cfg.AppKey != "" {
		p.add([]App{{AppKey: cfg.AppKey, AppSecret: cfg.AppSecret, CorpID: cfg.CorpID, AgentID: cfg.AgentID}})
	}
	log.Infow("apps registry ready", "apps", len(p.byKey))
	return p
}

func (p *memProvider) loadSeedFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []App
	switch filepath.Ext(path) {
	case ".json":
		err = json.Unmarshal(b, &entries)
	default: // .yaml / .yml
		err = yaml.Unmarshal(b, &entries)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	p.add(entries)
	return nil
}

func (p *memProvider) add(entries []App) {
	for _, a := range entries {
		if a.AppKey == "" {
			continue
		}
		if _, ok := p.byKey[a.AppKey]; ok {
			continue
		}
		p.byKey[a.AppKey] = a
	}
}

func (p *memProvider) AppByKey(_ context.Context, appKey string) (App, error) {
	if a, ok := p.byKey[appKey]; ok {
		return a, nil
	}
	return App{}, ErrNotFound
}

func (p *memProvider) ListAppKeys(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(p.byKey))
	for k := range p.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
