package interpret

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"

	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/audio"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(title, description string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, title+": "+description)
}

func audioDeltaFrame(pcm []byte) []byte {
	return []byte(fmt.Sprintf(`{"type":"response.audio.delta","delta":%q}`,
		base64.StdEncoding.EncodeToString(pcm)))
}

func TestAudioDeltaSequence(t *testing.T) {
	q := audio.NewQueue()
	in := New(q, nil, nil)

	want := [][]byte{{1, 1}, {2, 2}, {3, 3}}
	for _, pcm := range want {
		in.Handle(audioDeltaFrame(pcm))
	}
	if !in.Speaking() {
		t.Error("speaking should be true after audio deltas")
	}

	in.Handle([]byte(`{"type":"response.audio.done"}`))
	if in.Speaking() {
		t.Error("speaking should be false after response.audio.done")
	}

	if q.Len() != 3 {
		t.Fatalf("queue has %d buffers, want 3", q.Len())
	}
	for i, w := range want {
		buf, ok := q.Next()
		if !ok {
			t.Fatalf("queue closed at buffer %d", i)
		}
		if !bytes.Equal(buf, w) {
			t.Errorf("buffer %d = %v, want %v", i, buf, w)
		}
	}
}

func TestInvalidBase64DoesNotDisturbState(t *testing.T) {
	q := audio.NewQueue()
	in := New(q, nil, nil)

	in.Handle([]byte(`{"type":"response.audio.delta","delta":"!!not-base64!!"}`))
	if in.Speaking() {
		t.Error("speaking advanced on a dropped frame")
	}
	if q.Len() != 0 {
		t.Errorf("queue has %d buffers after corrupt frame", q.Len())
	}

	// A following valid frame behaves normally.
	in.Handle(audioDeltaFrame([]byte{9}))
	if !in.Speaking() {
		t.Error("speaking should be true after subsequent valid frame")
	}
	if q.Len() != 1 {
		t.Errorf("queue has %d buffers, want 1", q.Len())
	}
}

func TestTranscriptAccumulation(t *testing.T) {
	in := New(audio.NewQueue(), nil, nil)

	in.Handle([]byte(`{"type":"response.audio_transcript.delta","delta":"Hello"}`))
	in.Handle([]byte(`{"type":"response.audio_transcript.delta","delta":", world"}`))
	in.Handle([]byte(`{"type":"response.audio_transcript.done"}`))

	if got := in.Transcript(); got != "Hello, world" {
		t.Errorf("Transcript = %q", got)
	}
}

func TestListeningIndicator(t *testing.T) {
	in := New(audio.NewQueue(), nil, nil)

	in.Handle([]byte(`{"type":"input_audio_buffer.speech_started"}`))
	if !in.Listening() {
		t.Error("listening should be true after speech_started")
	}
	in.Handle([]byte(`{"type":"input_audio_buffer.speech_stopped"}`))
	if in.Listening() {
		t.Error("listening should be false after speech_stopped")
	}
}

func TestErrorEventNotifies(t *testing.T) {
	n := &recordingNotifier{}
	in := New(audio.NewQueue(), n, nil)

	in.Handle([]byte(`{"type":"error","error":{"message":"quota exceeded"}}`))
	if len(n.calls) != 1 {
		t.Fatalf("notifier called %d times, want 1", len(n.calls))
	}
	if n.calls[0] != "Voice session error: quota exceeded" {
		t.Errorf("notification = %q", n.calls[0])
	}

	// Missing message falls back to a generic description.
	in.Handle([]byte(`{"type":"error"}`))
	if len(n.calls) != 2 {
		t.Fatalf("notifier called %d times, want 2", len(n.calls))
	}
	if n.calls[1] == "Voice session error: " {
		t.Errorf("empty fallback notification: %q", n.calls[1])
	}
}

func TestUnknownAndMalformedFramesIgnored(t *testing.T) {
	q := audio.NewQueue()
	in := New(q, nil, nil)

	in.Handle([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	in.Handle([]byte(`not json at all`))
	in.Handle([]byte(`{"type":"session.created","session":{"id":"s1"}}`))

	if q.Len() != 0 || in.Speaking() {
		t.Error("informational/unknown frames mutated playback state")
	}
}
