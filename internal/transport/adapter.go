// Package transport owns the client side of exactly one realtime channel to
// the relay, with bounded automatic reconnection on abnormal closes.
package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/retry"
)

// ErrNotConnected is returned by Send when the channel is not open. Sending
// on a closed channel reports; it never panics.
var ErrNotConnected = errors.New("transport: not connected")

// Notifier surfaces user-visible connection notifications.
type Notifier interface {
	Notify(title, description string)
}

// Options configures an Adapter.
type Options struct {
	// URL is the relay endpoint, including session and token query params.
	URL string
	// MaxReconnectAttempts bounds automatic reconnection (default 3).
	MaxReconnectAttempts int
	// ReconnectBaseDelay is the linear backoff step (default 2s).
	ReconnectBaseDelay time.Duration
	// HandshakeTimeout bounds the dial (default 15s).
	HandshakeTimeout time.Duration

	Notifier Notifier
	Logger   *zap.Logger
}

// Adapter owns one realtime channel at a time.
type Adapter struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	policy    *retry.Policy
	onMessage func([]byte)
	gen       int // connection generation, guards stale read loops
	epoch     int // bumped by Disconnect, invalidates in-flight dials
}

// New creates a disconnected adapter.
func New(opts Options) *Adapter {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{opts: opts, logger: logger}
}

// State returns the current channel state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connect opens the channel and delivers every inbound frame to onMessage.
// A fresh Connect after an explicit Disconnect starts with a fresh reconnect
// budget.
func (a *Adapter) Connect(onMessage func([]byte)) error {
	a.mu.Lock()
	if a.state == StateConnecting || a.state == StateConnected {
		a.mu.Unlock()
		return errors.New("transport: already connected")
	}
	a.onMessage = onMessage
	a.policy = retry.New(a.opts.MaxReconnectAttempts, a.opts.ReconnectBaseDelay)
	a.mu.Unlock()

	return a.dial()
}

// dial performs one connection attempt; used by Connect and by scheduled
// retries. An attempt that loses a race with Disconnect closes its fresh
// connection and leaves the adapter disconnected.
func (a *Adapter) dial() error {
	a.mu.Lock()
	a.state = StateConnecting
	epoch := a.epoch
	a.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: a.opts.HandshakeTimeout}
	conn, _, err := dialer.Dial(a.opts.URL, nil)
	if err != nil {
		a.logger.Warn("connect failed", zap.Error(err))
		a.handleAbnormalClose(epoch)
		return err
	}

	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		conn.Close()
		a.logger.Info("discarding connection opened after disconnect")
		return ErrNotConnected
	}
	a.state = StateConnected
	a.conn = conn
	a.gen++
	gen := a.gen
	policy := a.policy
	a.mu.Unlock()

	policy.Reset()
	a.notify("Connected", "Voice session connected")
	a.logger.Info("connected", zap.String("url", a.opts.URL))

	go a.readLoop(conn, gen)
	return nil
}

func (a *Adapter) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			a.handleClose(err, gen)
			return
		}

		a.mu.Lock()
		handler := a.onMessage
		a.mu.Unlock()
		if handler != nil {
			handler(message)
		}
	}
}

// handleClose classifies a read-loop exit: explicit disconnects and normal
// closes end the session; anything else drives the reconnect policy.
func (a *Adapter) handleClose(err error, gen int) {
	a.mu.Lock()
	if a.gen != gen || a.state == StateDisconnected {
		// User-initiated teardown already handled this connection.
		a.mu.Unlock()
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		a.state = StateDisconnected
		a.conn = nil
		a.mu.Unlock()
		a.logger.Info("channel closed", zap.Error(err))
		return
	}
	a.state = StateError
	a.conn = nil
	epoch := a.epoch
	a.mu.Unlock()

	a.logger.Warn("abnormal close", zap.Error(err))
	a.handleAbnormalClose(epoch)
}

func (a *Adapter) handleAbnormalClose(epoch int) {
	a.mu.Lock()
	if a.epoch != epoch {
		// User disconnected while the failure was in flight; no retries,
		// no notification.
		a.mu.Unlock()
		return
	}
	a.state = StateError
	policy := a.policy
	a.mu.Unlock()

	policy.AttemptReconnect(
		func() {
			a.logger.Info("reconnecting", zap.Int("attempt", policy.Attempts()))
			a.dial()
		},
		func() {
			a.notify("Connection failed",
				"Could not reach the voice service. Please try again later.")
		},
	)
}

// Send marshals v as JSON onto the channel. Reports ErrNotConnected if the
// channel is not open.
func (a *Adapter) Send(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateConnected || a.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the channel with a normal status code. The epoch bump
// invalidates any dial already in flight, and the policy cleanup stops any
// retry still on the timer; neither can connect afterwards.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	policy := a.policy
	conn := a.conn
	a.epoch++
	a.state = StateDisconnected
	a.conn = nil
	a.mu.Unlock()

	if policy != nil {
		policy.Cleanup()
	}

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	a.logger.Info("disconnected")
}

func (a *Adapter) notify(title, description string) {
	if a.opts.Notifier != nil {
		a.opts.Notifier.Notify(title, description)
	}
}
