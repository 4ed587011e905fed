package audio

import (
	"encoding/base64"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Capture reads fixed-size PCM frames from a Source and hands each frame,
// base64-encoded, to a callback for transmission.
type Capture struct {
	source Source
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewCapture wraps a source. The source must deliver PCM s16le at the wire
// sample rate.
func NewCapture(source Source, logger *zap.Logger) *Capture {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capture{source: source, logger: logger}
}

// Start begins the read loop. Calling Start on an already-running capture is
// a no-op.
func (c *Capture) Start(onFrame func(audioBase64 string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})

	go c.readLoop(c.stopCh, c.done, onFrame)
}

func (c *Capture) readLoop(stopCh, done chan struct{}, onFrame func(string)) {
	defer close(done)
	buf := make([]byte, FrameBytes)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		n, err := c.source.ReadFrame(buf)
		if err != nil {
			if err != io.EOF {
				c.logger.Warn("capture read failed", zap.Error(err))
			}
			return
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		onFrame(base64.StdEncoding.EncodeToString(frame))
	}
}

// Stop ends the read loop and releases the input device. Safe to call
// repeatedly; the device is closed exactly once.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.done
	c.mu.Unlock()

	// Unblock a pending ReadFrame, then wait for the loop to exit.
	c.source.Close()
	<-done
}
