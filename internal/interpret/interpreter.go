// Package interpret classifies inbound realtime events on the client side
// and drives playback and transcript state.
package interpret

import (
	"encoding/base64"
	"sync"

	"go.uber.org/zap"

	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/audio"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/metrics"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/protocol"
)

// Notifier surfaces user-visible failure notifications.
type Notifier interface {
	Notify(title, description string)
}

// Interpreter routes audio deltas to the playback queue and text deltas to
// the transcript accumulator. One corrupt frame never terminates a session.
type Interpreter struct {
	logger   *zap.Logger
	queue    *audio.Queue
	notifier Notifier

	mu         sync.Mutex
	speaking   bool
	listening  bool
	transcript []byte
}

// New creates an interpreter feeding the given playback queue.
func New(queue *audio.Queue, notifier Notifier, logger *zap.Logger) *Interpreter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interpreter{logger: logger, queue: queue, notifier: notifier}
}

// Handle classifies one inbound frame. Unknown event types are logged and
// ignored; malformed frames are dropped.
func (in *Interpreter) Handle(raw []byte) {
	ev, err := protocol.Parse(raw)
	if err != nil {
		in.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch ev.Type {
	case protocol.EventTypeSessionCreated, protocol.EventTypeSessionUpdated:
		in.logger.Debug("session event", zap.String("type", ev.Type))

	case protocol.EventTypeInputAudioBufferSpeechStarted:
		in.setListening(true)

	case protocol.EventTypeInputAudioBufferSpeechStopped:
		in.setListening(false)

	case protocol.EventTypeResponseAudioDelta:
		in.handleAudioDelta(ev.Delta)

	case protocol.EventTypeResponseAudioDone:
		in.mu.Lock()
		in.speaking = false
		in.mu.Unlock()

	case protocol.EventTypeResponseAudioTranscriptDelta:
		in.mu.Lock()
		in.transcript = append(in.transcript, ev.Delta...)
		in.mu.Unlock()

	case protocol.EventTypeResponseAudioTranscriptDone:
		in.logger.Debug("transcript complete")

	case protocol.EventTypeError:
		msg := "the voice session reported an error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		in.logger.Warn("session error event", zap.String("message", msg))
		if in.notifier != nil {
			in.notifier.Notify("Voice session error", msg)
		}

	default:
		in.logger.Debug("ignoring event", zap.String("type", ev.Type))
	}
}

func (in *Interpreter) handleAudioDelta(delta string) {
	pcm, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		// Drop the frame; playback state is untouched so the next valid
		// frame behaves normally.
		metrics.AudioDecodeErrorsTotal.Inc()
		in.logger.Warn("dropping audio delta with invalid base64", zap.Error(err))
		return
	}
	in.queue.Enqueue(pcm)
	in.mu.Lock()
	in.speaking = true
	in.mu.Unlock()
}

func (in *Interpreter) setListening(v bool) {
	in.mu.Lock()
	in.listening = v
	in.mu.Unlock()
}

// Speaking reports whether the assistant is currently producing audio.
func (in *Interpreter) Speaking() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.speaking
}

// Listening reports whether the provider detected user speech in progress.
func (in *Interpreter) Listening() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.listening
}

// Transcript returns the accumulated assistant transcript.
func (in *Interpreter) Transcript() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return string(in.transcript)
}
