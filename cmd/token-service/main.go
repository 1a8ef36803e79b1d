// cmd/token-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokend/internal/httpapi"
	"tokend/internal/token"
	"tokend/pkg/apps"
	"tokend/pkg/cache"
	"tokend/pkg/config"
	"tokend/pkg/db"
	"tokend/pkg/logger"
	"tokend/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	if err := cfg.Validate(); err != nil {
		log.Fatalw("config", "err", err)
	}

	var backend cache.Cache
	if rdb := db.MustRedis(cfg, log); rdb != nil {
		backend = cache.NewRedis(rdb)
	} else {
		log.Infow("no REDIS_URL set, tokens cached in process memory")
		backend = cache.NewMemory()
	}

	var prov apps.Provider
	if pool := db.MustConnect(cfg, log); pool != nil {
		if err := apps.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		if err := apps.SeedFromEnv(context.Background(), pool, os.Getenv("APPS_SEED_JSON")); err != nil {
			log.Warnw("seed", "err", err)
		}
		prov = apps.NewPostgresProvider(pool, log)
	} else {
		prov = apps.NewMemoryProvider(cfg, log)
	}

	store := token.NewStore(backend)
	acq := token.NewHTTPAcquirer(cfg, log)
	metrics := token.NewMetrics(prometheus.DefaultRegisterer)
	api := httpapi.NewServer(cfg, prov, store, acq, metrics, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing())
	r.Use(middleware.JWTAuth(cfg))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	api.Routes(r)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("token-service listening", "addr", cfg.HTTPAddr, "api_version", cfg.APIVersion)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("token-service stopped")
}
