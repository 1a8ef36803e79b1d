// Package httpapi exposes the credential manager to sidecar consumers
// over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tokend/internal/oauth"
	"tokend/internal/token"
	"tokend/pkg/apps"
	"tokend/pkg/config"
)

// Server owns one manager per registered application, built lazily and
// shared across requests. All managers share the store, acquirer, and
// metrics, so cache-key isolation is the only thing separating apps.
type Server struct {
	cfg      config.Config
	log      *zap.SugaredLogger
	provider apps.Provider
	store    *token.Store
	acq      *token.HTTPAcquirer
	metrics  *token.Metrics

	mu       sync.Mutex
	runtimes map[string]*appRuntime
}

type appRuntime struct {
	mgr   *token.Manager
	oauth *oauth.Service
}

func NewServer(cfg config.Config, provider apps.Provider, store *token.Store, acq *token.HTTPAcquirer, metrics *token.Metrics, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		provider: provider,
		store:    store,
		acq:      acq,
		metrics:  metrics,
		runtimes: map[string]*appRuntime{},
	}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/v1/token", s.getToken)
	r.Post("/v1/token/refresh", s.refreshToken)
	r.Delete("/v1/token/cache", s.clearCache)
	r.Get("/v1/token/stats", s.tokenStats)
	r.Get("/v1/auth/url", s.authURL)
	r.Get("/v1/user", s.userByCode)
	r.Get("/v1/jsapi/signature", s.jsapiSignature)
}

// runtime resolves the app addressed by the request (?app_key=, default:
// the configured identity) and returns its manager pair.
func (s *Server) runtime(r *http.Request) (*appRuntime, error) {
	appKey := r.URL.Query().Get("app_key")
	if appKey == "" {
		appKey = s.cfg.AppKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runtimes[appKey]; ok {
		return rt, nil
	}
	app, err := s.provider.AppByKey(r.Context(), appKey)
	if err != nil {
		return nil, err
	}
	mgr, err := token.NewManager(s.cfg, app, s.store, s.acq, s.log, s.metrics)
	if err != nil {
		return nil, err
	}
	rt := &appRuntime{mgr: mgr, oauth: oauth.NewService(s.cfg, mgr, s.acq, s.log)}
	s.runtimes[appKey] = rt
	return rt, nil
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	rt, err := s.runtime(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	tok, err := rt.mgr.GetAccessToken(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"access_token": tok, "expiring_soon": rt.mgr.IsTokenExpiringSoon(r.Context())}, http.StatusOK)
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	rt, err := s.runtime(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	tok, err := rt.mgr.RefreshAccessToken(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"access_token": tok}, http.StatusOK)
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	rt, err := s.runtime(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	deleted := rt.mgr.ClearTokenCache(r.Context())
	writeJSON(w, map[string]any{"deleted": deleted}, http.StatusOK)
}

func (s *Server) tokenStats(w http.ResponseWriter, r *http.Request) {
	rt, err := s.runtime(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, rt.mgr.Stats(), http.StatusOK)
}

func (s *Server) authURL(w http.ResponseWriter, r *http.Request) {
	rt, err := s.runtime(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	q := r.URL.Query()
	redirect := q.Get("redirect_uri")
	if redirect == "" {
		http.Error(w, "redirect_uri required", http.StatusBadRequest)
		return
	}
	var scopes []string
	if sc := q.Get("scope"); sc != "" {
		scopes = strings.Fields(strings.ReplaceAll(sc, ",", " "))
	}
	writeJSON(w, map[string]any{"url": rt.oauth.AuthURL(redirect, q.Get("state"), scopes)}, http.StatusOK)
}

func (s *Server) userByCode(w http.ResponseWriter, r *http.Request) {
	rt, err := s.runtime(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return
	}
	user, err := rt.oauth.UserByCode(r.Context(), code)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, user, http.StatusOK)
}

func (s *Server) jsapiSignature(w http.ResponseWriter, r *http.Request) {
	rt, err := s.runtime(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		http.Error(w, "url required", http.StatusBadRequest)
		return
	}
	var apis []string
	if a := r.URL.Query().Get("apis"); a != "" {
		apis = strings.Split(a, ",")
	}
	sig, err := rt.oauth.JsAPISign(r.Context(), pageURL, apis)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, sig, http.StatusOK)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var rle *token.RateLimitError
	var ce *token.ConfigError
	switch {
	case errors.Is(err, apps.ErrNotFound):
		http.Error(w, "unknown app", http.StatusNotFound)
	case errors.As(err, &ce):
		http.Error(w, ce.Error(), http.StatusBadRequest)
	case errors.As(err, &rle):
		http.Error(w, "upstream throttled", http.StatusTooManyRequests)
	default:
		// Auth failures and exhausted retries are upstream problems from
		// the consumer's point of view.
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
