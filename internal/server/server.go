// Package server assembles the HTTP surface of the relay: the realtime
// endpoint, the payment webhook, session records, health, and metrics.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/config"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/relay"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/store"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/webhook"
)

// Deps carries the wired components the router exposes.
type Deps struct {
	Relay   *relay.Service
	PayFast *webhook.PayFastHandler
	Records *store.Store // optional
	Logger  *zap.Logger
}

// New builds the HTTP server. WriteTimeout stays zero because the realtime
// endpoint holds its connection open for the session lifetime.
func New(cfg *config.Config, deps Deps) *http.Server {
	return &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     NewRouter(deps),
		ReadTimeout: 0,
		IdleTimeout: 120 * time.Second,
	}
}

// NewRouter builds the chi router with the relay routes mounted.
func NewRouter(deps Deps) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(requestID)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/realtime", deps.Relay.HandleRealtime)
		if deps.PayFast != nil {
			r.Post("/webhooks/payfast", deps.PayFast.ServeHTTP)
		}
		if deps.Records != nil {
			r.Get("/sessions", listSessions(deps.Records, logger))
			r.Get("/sessions/{sessionId}", getSession(deps.Records))
		}
	})

	return r
}

func health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func listSessions(records *store.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := records.List()
		if err != nil {
			logger.Error("list session records", zap.Error(err))
			http.Error(w, `{"error":"records unavailable"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"sessions": recs})
	}
}

func getSession(records *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := records.Get(chi.URLParam(r, "sessionId"))
		if err != nil {
			http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
