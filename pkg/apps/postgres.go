// pkg/apps/postgres.go
package apps

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgProvider implements Provider backed by PostgreSQL.
type pgProvider struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

func NewPostgresProvider(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Provider {
	return &pgProvider{dbPool: dbPool, log: log}
}

// EnsureSchema creates the registered-apps table if it does not already
// exist. Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS registered_apps (
  app_key text PRIMARY KEY,
  app_secret text NOT NULL,
  corp_id text DEFAULT '',
  agent_id text DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
`)
	return err
}

// SeedFromEnv ingests initial app identities from APPS_SEED_JSON:
// [{"app_key":"...","app_secret":"...","corp_id":"...","agent_id":"..."}]
func SeedFromEnv(ctx context.Context, dbPool *pgxpool.Pool, jsonSeed string) error {
	if jsonSeed == "" {
		return nil
	}
	var entries []App
	if err := json.Unmarshal([]byte(jsonSeed), &entries); err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.AppKey == "" {
			continue
		}
		_, _ = dbPool.Exec(ctx, `INSERT INTO registered_apps(app_key,app_secret,corp_id,agent_id)
		  VALUES ($1,$2,$3,$4)
		  ON CONFLICT (app_key) DO UPDATE SET app_secret=EXCLUDED.app_secret,corp_id=EXCLUDED.corp_id,agent_id=EXCLUDED.agent_id,updated_at=NOW()`,
			entry.AppKey, entry.AppSecret, entry.CorpID, entry.AgentID)
	}
	return nil
}

func (p *pgProvider) AppByKey(ctx context.Context, appKey string) (App, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT app_key, app_secret, COALESCE(corp_id,''), COALESCE(agent_id,'') FROM registered_apps WHERE app_key=$1`, appKey)
	var a App
	if err := row.Scan(&a.AppKey, &a.AppSecret, &a.CorpID, &a.AgentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return App{}, ErrNotFound
		}
		return App{}, err
	}
	return a, nil
}

func (p *pgProvider) ListAppKeys(ctx context.Context) ([]string, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT app_key FROM registered_apps ORDER BY app_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		_ = rows.Scan(&k)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
