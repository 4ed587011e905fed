// Package retry implements the bounded reconnect policy for the client
// transport. It decides whether and when a failed connection is retried; it
// never opens connections itself.
package retry

import (
	"sync"
	"time"
)

const (
	// DefaultMaxAttempts is the reconnect budget before giving up.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the linear backoff step: attempt n fires after n*base.
	DefaultBaseDelay = 2 * time.Second
)

// Policy tracks reconnect attempts with linear backoff. Exceeding the budget
// is not an error: it is reported once through the onExhausted callback.
type Policy struct {
	mu          sync.Mutex
	attempts    int
	maxAttempts int
	baseDelay   time.Duration
	timer       *time.Timer
	closed      bool
}

// New creates a Policy. Non-positive arguments fall back to the defaults.
func New(maxAttempts int, baseDelay time.Duration) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Policy{maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// AttemptReconnect schedules retryAction after attempts*baseDelay if budget
// remains, returning true. Otherwise it invokes onExhausted synchronously and
// returns false. A Policy that has been cleaned up never schedules again.
func (p *Policy) AttemptReconnect(retryAction func(), onExhausted func()) bool {
	p.mu.Lock()
	if p.attempts >= p.maxAttempts {
		p.mu.Unlock()
		if onExhausted != nil {
			onExhausted()
		}
		return false
	}
	p.attempts++
	delay := time.Duration(p.attempts) * p.baseDelay
	p.timer = time.AfterFunc(delay, func() {
		// A retry racing an explicit disconnect must lose.
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		retryAction()
	})
	p.mu.Unlock()
	return true
}

// Reset clears the attempt counter. Called once on successful connection.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.attempts = 0
	p.mu.Unlock()
}

// Cleanup cancels any pending retry and pins the counter to the maximum so no
// further retry can be scheduled after explicit teardown.
func (p *Policy) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.attempts = p.maxAttempts
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Attempts returns the current attempt count.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// NextDelay returns the delay the next scheduled retry would use, or zero if
// the budget is exhausted.
func (p *Policy) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempts >= p.maxAttempts {
		return 0
	}
	return time.Duration(p.attempts+1) * p.baseDelay
}
