package audio

import (
	"sync"

	"go.uber.org/zap"
)

// Player drains a Queue into a Sink strictly in enqueue order.
type Player struct {
	queue  *Queue
	sink   Sink
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	done    chan struct{}
	closed  bool
}

// NewPlayer creates a player over the given queue and output sink.
func NewPlayer(queue *Queue, sink Sink, logger *zap.Logger) *Player {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Player{queue: queue, sink: sink, logger: logger}
}

// Start launches the drain loop. Idempotent: calling it while running is a
// no-op, not a duplicate device open.
func (p *Player) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	p.done = make(chan struct{})

	go p.drainLoop(p.done)
}

func (p *Player) drainLoop(done chan struct{}) {
	defer close(done)
	for {
		buf, ok := p.queue.Next()
		if !ok {
			return
		}
		if err := p.sink.WriteFrame(buf); err != nil {
			p.logger.Warn("playback write failed", zap.Error(err))
			return
		}
	}
}

// Stop clears pending audio, ends the drain loop, and releases the output
// device. Safe to call repeatedly.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	done := p.done
	p.mu.Unlock()

	p.queue.Close()
	if started {
		<-done
	}
	p.sink.Close()
}
