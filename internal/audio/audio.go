// Package audio bridges the realtime protocol's raw-PCM wire format to host
// microphone/speaker primitives. The wire format is PCM s16le, 24kHz, mono.
package audio

const (
	// SampleRate is the wire sample rate mandated by the provider's pcm16
	// format.
	SampleRate = 24000

	// BytesPerSecond for PCM s16le mono at the wire rate.
	BytesPerSecond = SampleRate * 2

	// FrameDurationMs is the capture frame size.
	FrameDurationMs = 20

	// FrameBytes is the size of one capture frame:
	// 24000 samples/s * 0.020s * 2 bytes/sample.
	FrameBytes = SampleRate / 1000 * FrameDurationMs * 2
)

// Source is a microphone-like input delivering PCM s16le frames.
type Source interface {
	// ReadFrame fills buf with up to len(buf) bytes of PCM and returns the
	// byte count. It blocks until a frame is available.
	ReadFrame(buf []byte) (int, error)
	Close() error
}

// Sink is a speaker-like output consuming PCM s16le buffers.
type Sink interface {
	WriteFrame(buf []byte) error
	Close() error
}
