// Package relay bridges client-facing realtime channels to upstream provider
// connections, one bridge per session id.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/auth"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/config"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/metrics"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/realtime"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/store"
)

// Service accepts client realtime connections and relays them to the
// upstream provider. The session registry is owned by the instance; there is
// no package-level connection state.
type Service struct {
	cfg       *config.Config
	logger    *zap.Logger
	validator auth.TokenValidator
	records   *store.Store // optional; nil disables session records
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*bridge
}

// NewService creates a relay service. records may be nil.
func NewService(cfg *config.Config, validator auth.TokenValidator, records *store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		logger:    logger,
		validator: validator,
		records:   records,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.Server.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*bridge),
	}
}

// SessionCount returns the number of active bridges.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// HandleRealtime serves GET /v1/realtime?session=<id>&token=<bearer>.
// The token rides in a query parameter because the browser WebSocket API
// cannot set custom headers.
func (s *Service) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session query parameter is required", "")
		return
	}
	logger := s.logger.With(zap.String("session", sessionID))

	claims, err := s.validator.Validate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		metrics.AuthFailuresTotal.Inc()
		if errors.Is(err, auth.ErrInvalidToken) {
			logger.Warn("rejected connection: invalid token")
			writeJSONError(w, http.StatusUnauthorized, "invalid or expired token", "")
			return
		}
		logger.Error("token validation failed", zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "identity service unavailable", "")
		return
	}

	if s.cfg.Upstream.APIKey == "" {
		logger.Error("upstream API key not configured")
		writeJSONError(w, http.StatusInternalServerError,
			"upstream credential not configured",
			"set RELAY_UPSTREAM_API_KEY or upstream.api_key")
		return
	}

	clientConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	b := newBridge(s, sessionID, claims.UserID, clientConn, logger)
	s.register(b)

	metrics.SessionsCreatedTotal.Inc()
	metrics.ActiveSessions.Inc()
	logger.Info("session connected", zap.String("user", claims.UserID))

	b.run()
}

// register stores the bridge under its session id, superseding any prior
// bridge for the same id. At most one upstream connection exists per id.
func (s *Service) register(b *bridge) {
	s.mu.Lock()
	prior := s.sessions[b.id]
	s.sessions[b.id] = b
	s.mu.Unlock()

	if prior != nil {
		metrics.SessionsSupersededTotal.Inc()
		s.logger.Info("superseding session", zap.String("session", b.id))
		prior.close("superseded")
	}
}

// deregister removes the bridge if it is still the current one for its id.
func (s *Service) deregister(b *bridge) {
	s.mu.Lock()
	if s.sessions[b.id] == b {
		delete(s.sessions, b.id)
	}
	s.mu.Unlock()
}

// dialUpstream opens a provider connection with auth and protocol-version
// headers.
func (s *Service) dialUpstream(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.Server.HandshakeTimeout}
	url := s.cfg.Upstream.URL + "?model=" + s.cfg.Upstream.Model

	start := time.Now()
	conn, _, err := dialer.DialContext(ctx, url, realtime.Headers(s.cfg.Upstream.APIKey))
	if err != nil {
		return nil, err
	}
	metrics.UpstreamConnectLatency.Observe(float64(time.Since(start).Milliseconds()))
	return conn, nil
}

// Shutdown closes every active bridge.
func (s *Service) Shutdown() {
	s.mu.Lock()
	bridges := make([]*bridge, 0, len(s.sessions))
	for _, b := range s.sessions {
		bridges = append(bridges, b)
	}
	s.sessions = make(map[string]*bridge)
	s.mu.Unlock()

	for _, b := range bridges {
		b.close("shutdown")
	}
	metrics.ActiveSessions.Set(0)
	s.logger.Info("relay shutdown complete")
}

func writeJSONError(w http.ResponseWriter, status int, msg, debug string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": msg}
	if debug != "" {
		body["debug"] = debug
	}
	json.NewEncoder(w).Encode(body)
}
