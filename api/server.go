// Package api assembles the HTTP surface: change submission, controller
// snapshots, the activity log and the websocket endpoint.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kilianp07/switchyard/api/activity"
	"github.com/kilianp07/switchyard/api/switches"
	coreactivity "github.com/kilianp07/switchyard/core/activity"
	"github.com/kilianp07/switchyard/core/logger"
	"github.com/kilianp07/switchyard/core/store"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr string `json:"addr"`
	// Token, when set, is required as a bearer token on /api routes and on
	// the websocket endpoint.
	Token        string        `json:"token"`
	MaxBodyBytes int64         `json:"max_body_bytes"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
}

// Deps are the components served by the router. Activity and Websocket may
// be nil.
type Deps struct {
	Submitter switches.Submitter
	Store     store.Store
	Activity  coreactivity.Store
	Websocket http.Handler
}

// NewRouter builds the route table.
func NewRouter(cfg Config, d Deps) *mux.Router {
	cfg.SetDefaults()
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(BearerAuth(cfg.Token))
	apiRouter.Handle("/switches/changes", switches.NewChangeHandler(d.Submitter, cfg.MaxBodyBytes)).Methods(http.MethodPost)
	apiRouter.Handle("/controllers", switches.NewControllerListHandler(d.Store)).Methods(http.MethodGet)
	apiRouter.Handle("/controllers/{id}", switches.NewControllerHandler(d.Store)).Methods(http.MethodGet)
	if d.Activity != nil {
		apiRouter.Handle("/activity", activity.NewLogHandler(d.Activity)).Methods(http.MethodGet)
	}
	if d.Websocket != nil {
		r.Handle("/ws", WebsocketAuth(cfg.Token)(d.Websocket)).Methods(http.MethodGet)
	}
	return r
}

// BearerAuth requires "Authorization: Bearer <token>". An empty token
// disables the check.
func BearerAuth(token string) mux.MiddlewareFunc {
	return tokenAuth(token, false)
}

// WebsocketAuth is BearerAuth that also accepts the token in the "token"
// query parameter, since browsers cannot set headers on websocket upgrades.
func WebsocketAuth(token string) mux.MiddlewareFunc {
	return tokenAuth(token, true)
}

func tokenAuth(token string, allowQuery bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok && allowQuery {
				got, ok = r.URL.Query().Get("token"), r.URL.Query().Has("token")
			}
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Serve runs the HTTP server until ctx is canceled.
func Serve(ctx context.Context, cfg Config, h http.Handler, log logger.Logger) error {
	log = logger.OrNop(log)
	srv := newServer(cfg, h)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("http server shutdown: %v", err)
		}
		cancel()
	}()
	log.Infof("http api listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newServer(cfg Config, h http.Handler) *http.Server {
	cfg.SetDefaults()
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
}
