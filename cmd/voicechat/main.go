// Command voicechat is a terminal client for the voice relay. It streams PCM
// from a file or generated tone to the relay and writes the assistant's
// audio and transcript back out.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/audio"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/interpret"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/protocol"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/transport"
)

func main() {
	relayURL := flag.String("url", "ws://localhost:8090/v1/realtime", "relay realtime endpoint")
	session := flag.String("session", "", "session id (required)")
	token := flag.String("token", "", "bearer token (required)")
	input := flag.String("in", "tone", "PCM s16le 24kHz input: file path, - for stdin, or tone")
	output := flag.String("out", "out.pcm", "PCM s16le 24kHz output: file path, - for stdout, or discard")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *session == "" || *token == "" {
		fmt.Fprintln(os.Stderr, "usage: voicechat -session <id> -token <token> [-in mic.pcm] [-out out.pcm]")
		os.Exit(2)
	}

	source, err := openSource(*input)
	if err != nil {
		logger.Fatal("open input", zap.Error(err))
	}
	sink, err := openSink(*output)
	if err != nil {
		logger.Fatal("open output", zap.Error(err))
	}

	queue := audio.NewQueue()
	notifier := consoleNotifier{}
	interp := interpret.New(queue, notifier, logger)
	player := audio.NewPlayer(queue, sink, logger)
	capture := audio.NewCapture(source, logger)

	adapter := transport.New(transport.Options{
		URL:      *relayURL + "?session=" + *session + "&token=" + *token,
		Notifier: notifier,
		Logger:   logger,
	})

	if err := adapter.Connect(interp.Handle); err != nil {
		logger.Fatal("connect", zap.Error(err))
	}

	player.Start()
	capture.Start(func(audioBase64 string) {
		err := adapter.Send(map[string]string{
			"type":  protocol.EventTypeInputAudioBufferAppend,
			"audio": audioBase64,
		})
		if err != nil {
			logger.Warn("frame not sent", zap.Error(err))
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	capture.Stop()
	adapter.Disconnect()
	player.Stop()

	if transcript := interp.Transcript(); transcript != "" {
		fmt.Fprintln(os.Stderr, "\ntranscript:", transcript)
	}
}

type consoleNotifier struct{}

func (consoleNotifier) Notify(title, description string) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", title, description)
}

func openSource(spec string) (audio.Source, error) {
	switch spec {
	case "tone":
		return newToneSource(440), nil
	case "-":
		return &pacedSource{r: os.Stdin}, nil
	default:
		f, err := os.Open(spec)
		if err != nil {
			return nil, err
		}
		return &pacedSource{r: f, c: f}, nil
	}
}

func openSink(spec string) (audio.Sink, error) {
	switch spec {
	case "discard":
		return nopSink{}, nil
	case "-":
		return writerSink{w: os.Stdout}, nil
	default:
		f, err := os.Create(spec)
		if err != nil {
			return nil, err
		}
		return writerSink{w: f, c: f}, nil
	}
}

// pacedSource reads PCM at realtime speed so a file behaves like a live
// microphone.
type pacedSource struct {
	r io.Reader
	c io.Closer
}

func (s *pacedSource) ReadFrame(buf []byte) (int, error) {
	time.Sleep(audio.FrameDurationMs * time.Millisecond)
	return io.ReadFull(s.r, buf)
}

func (s *pacedSource) Close() error {
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

// toneSource loops a generated sine wave, for testing a relay without real
// capture hardware.
type toneSource struct {
	pcm []byte
	pos int
}

func newToneSource(frequency float64) *toneSource {
	samples := audio.GenerateSineWave(1.0, frequency)
	return &toneSource{pcm: audio.Int16ToBytes(samples)}
}

func (s *toneSource) ReadFrame(buf []byte) (int, error) {
	time.Sleep(audio.FrameDurationMs * time.Millisecond)
	for i := range buf {
		buf[i] = s.pcm[s.pos]
		s.pos = (s.pos + 1) % len(s.pcm)
	}
	return len(buf), nil
}

func (s *toneSource) Close() error { return nil }

type writerSink struct {
	w io.Writer
	c io.Closer
}

func (s writerSink) WriteFrame(buf []byte) error {
	_, err := s.w.Write(buf)
	return err
}

func (s writerSink) Close() error {
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

type nopSink struct{}

func (nopSink) WriteFrame([]byte) error { return nil }
func (nopSink) Close() error            { return nil }
