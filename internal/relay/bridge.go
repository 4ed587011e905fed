package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/metrics"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/protocol"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/realtime"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/store"
)

// ErrUpstreamNotConnected is reported to the client when a frame arrives
// while no upstream connection is open.
var ErrUpstreamNotConnected = errors.New("relay: upstream not connected")

// errUpstreamNotReady is reported when the pre-injection hold buffer is full.
var errUpstreamNotReady = errors.New("relay: upstream session not ready")

// maxPendingFrames bounds the frames held back while the session.update
// injection is outstanding (about five seconds of 20ms audio frames).
const maxPendingFrames = 256

// bridge relays one client connection to one upstream provider connection.
type bridge struct {
	svc    *Service
	id     string
	userID string
	logger *zap.Logger

	client   *websocket.Conn
	clientMu sync.Mutex

	upMu     sync.Mutex
	upstream *websocket.Conn
	injected bool
	pending  [][]byte // client frames held until the session.update lands

	done      chan struct{}
	closeOnce sync.Once

	stateMu     sync.Mutex
	startedAt   time.Time
	transcript  []byte
	closeReason string
}

func newBridge(svc *Service, id, userID string, client *websocket.Conn, logger *zap.Logger) *bridge {
	return &bridge{
		svc:       svc,
		id:        id,
		userID:    userID,
		client:    client,
		logger:    logger,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
}

// run dials upstream, starts the upstream pump, and serves the client read
// loop until the client goes away.
func (b *bridge) run() {
	upstream, err := b.svc.dialUpstream(context.Background())
	if err != nil {
		b.logger.Error("upstream dial failed", zap.Error(err))
		b.sendClientError("could not reach the voice provider", err.Error())
		b.close("upstream_dial_failed")
		return
	}
	if !b.setUpstream(upstream) {
		upstream.Close()
		return
	}

	go b.upstreamLoop(upstream)

	b.clientLoop()
	b.close("client_disconnect")
}

// clientLoop forwards client frames upstream. Delivery failures are reported
// in-band, never dropped silently.
func (b *bridge) clientLoop() {
	for {
		_, msg, err := b.client.ReadMessage()
		if err != nil {
			return
		}
		if err := b.forwardUpstream(msg); err != nil {
			b.logger.Warn("client frame not delivered", zap.Error(err))
			b.sendClientError("message not delivered to voice provider", err.Error())
		}
	}
}

// forwardUpstream delivers one client frame. Frames arriving before the
// session.update has landed are held back and flushed after the injection,
// so no client audio ever precedes the session configuration.
func (b *bridge) forwardUpstream(msg []byte) error {
	b.upMu.Lock()
	defer b.upMu.Unlock()
	if b.upstream == nil {
		return ErrUpstreamNotConnected
	}
	if !b.injected {
		if len(b.pending) >= maxPendingFrames {
			return errUpstreamNotReady
		}
		b.pending = append(b.pending, msg)
		return nil
	}
	if err := b.upstream.WriteMessage(websocket.TextMessage, msg); err != nil {
		return err
	}
	metrics.FramesForwardedTotal.WithLabelValues("client_to_upstream").Inc()
	return nil
}

// upstreamLoop forwards provider frames to the client verbatim, in order,
// injecting the session configuration once per upstream session.
func (b *bridge) upstreamLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			b.handleUpstreamClose(conn, err)
			return
		}

		// The relay acts on two event types only; everything else passes
		// through untouched so the provider's vocabulary can evolve.
		if ev, perr := protocol.Parse(msg); perr == nil {
			switch ev.Type {
			case protocol.EventTypeSessionCreated:
				b.injectSessionConfig(conn)
			case protocol.EventTypeResponseAudioTranscriptDelta:
				b.stateMu.Lock()
				b.transcript = append(b.transcript, ev.Delta...)
				b.stateMu.Unlock()
			}
		}

		if err := b.writeClient(msg); err != nil {
			return
		}
		metrics.FramesForwardedTotal.WithLabelValues("upstream_to_client").Inc()
	}
}

// injectSessionConfig sends exactly one session.update on a fresh upstream
// session, before any audio is forwarded. Without it the provider would run
// with default session parameters.
func (b *bridge) injectSessionConfig(conn *websocket.Conn) {
	b.upMu.Lock()
	defer b.upMu.Unlock()
	if b.injected || b.upstream != conn {
		return
	}
	frame, err := realtime.DefaultSessionConfig(
		b.svc.cfg.Session.Instructions,
		b.svc.cfg.Session.Voice,
	).UpdateFrame()
	if err != nil {
		b.logger.Error("build session.update failed", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		b.logger.Error("send session.update failed", zap.Error(err))
		return
	}
	b.injected = true
	metrics.SessionConfigInjectionsTotal.Inc()
	b.logger.Info("session configuration injected")

	for _, msg := range b.pending {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			b.logger.Warn("held client frame not delivered", zap.Error(err))
			break
		}
		metrics.FramesForwardedTotal.WithLabelValues("client_to_upstream").Inc()
	}
	b.pending = nil
}

// handleUpstreamClose classifies an upstream disconnect: credential and
// permission closes are terminal, anything else abnormal gets a fixed-delay
// redial independent of the client-side reconnect policy.
func (b *bridge) handleUpstreamClose(conn *websocket.Conn, err error) {
	if b.isClosed() {
		return
	}

	b.upMu.Lock()
	if b.upstream == conn {
		b.upstream = nil
	}
	b.upMu.Unlock()

	var ce *websocket.CloseError
	if errors.As(err, &ce) && realtime.NonRetryableClose(ce.Code) {
		metrics.UpstreamTerminalClosesTotal.Inc()
		b.logger.Warn("upstream closed with non-retryable code",
			zap.Int("code", ce.Code), zap.String("text", ce.Text))
		b.sendClientError("voice provider rejected the session",
			fmt.Sprintf("upstream close %d: %s", ce.Code, ce.Text))
		b.close("upstream_terminal")
		return
	}

	b.logger.Warn("upstream connection lost", zap.Error(err))
	b.redialUpstream()
}

func (b *bridge) redialUpstream() {
	delay := b.svc.cfg.Upstream.RedialDelay
	for attempt := 1; attempt <= b.svc.cfg.Upstream.RedialMax; attempt++ {
		select {
		case <-b.done:
			return
		case <-time.After(delay):
		}

		metrics.UpstreamRedialsTotal.Inc()
		conn, err := b.svc.dialUpstream(context.Background())
		if err != nil {
			b.logger.Warn("upstream redial failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		// The bridge may have been torn down while the dial was blocked;
		// installing the connection then would leak it.
		if !b.setUpstream(conn) {
			conn.Close()
			return
		}
		b.logger.Info("upstream reconnected", zap.Int("attempt", attempt))
		go b.upstreamLoop(conn)
		return
	}

	b.sendClientError("voice provider unreachable",
		"upstream reconnection attempts exhausted")
	b.close("upstream_unreachable")
}

// setUpstream installs a fresh upstream connection, refusing it on a closed
// bridge. The injection flag resets: each new upstream session gets its own
// session.update.
func (b *bridge) setUpstream(conn *websocket.Conn) bool {
	b.upMu.Lock()
	defer b.upMu.Unlock()
	if b.isClosed() {
		return false
	}
	b.upstream = conn
	b.injected = false
	return true
}

func (b *bridge) writeClient(msg []byte) error {
	b.clientMu.Lock()
	defer b.clientMu.Unlock()
	return b.client.WriteMessage(websocket.TextMessage, msg)
}

func (b *bridge) sendClientError(message, details string) {
	if err := b.writeClient(protocol.ErrorFrame(message, details)); err != nil {
		b.logger.Debug("error frame not delivered", zap.Error(err))
	}
}

// sendClientClose sends a normal close frame so the client does not treat
// the teardown as a transient failure and retry.
func (b *bridge) sendClientClose() {
	b.client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (b *bridge) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// close tears the bridge down exactly once: both connections closed, the
// registry entry removed, and the session record persisted.
func (b *bridge) close(reason string) {
	b.closeOnce.Do(func() {
		close(b.done)

		b.stateMu.Lock()
		b.closeReason = reason
		b.stateMu.Unlock()

		b.upMu.Lock()
		if b.upstream != nil {
			b.upstream.Close()
			b.upstream = nil
		}
		b.upMu.Unlock()

		b.sendClientClose()
		b.client.Close()

		b.svc.deregister(b)
		metrics.ActiveSessions.Dec()

		if b.svc.records != nil {
			b.stateMu.Lock()
			rec := store.Record{
				ID:          b.id,
				UserID:      b.userID,
				StartedAt:   b.startedAt,
				EndedAt:     time.Now(),
				CloseReason: reason,
				Transcript:  string(b.transcript),
			}
			b.stateMu.Unlock()
			if err := b.svc.records.Put(rec); err != nil {
				b.logger.Warn("session record not persisted", zap.Error(err))
			}
		}

		b.logger.Info("session closed", zap.String("reason", reason))
	})
}
