package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/auth"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/config"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/realtime"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/store"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/testutil"
)

// fakeUpstream mimics the provider endpoint: it greets every connection
// with session.created and records everything the relay sends it.
type fakeUpstream struct {
	srv        *httptest.Server
	upgrader   websocket.Upgrader
	greetDelay time.Duration

	mu       sync.Mutex
	conns    []*websocket.Conn
	received [][]byte
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	return newFakeUpstreamDelayed(t, 0)
}

// newFakeUpstreamDelayed withholds the session.created greeting for delay,
// leaving the relay's injection outstanding.
func newFakeUpstreamDelayed(t *testing.T, delay time.Duration) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{greetDelay: delay}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		go func() {
			time.Sleep(f.greetDelay)
			conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"type":"session.created","session":{"id":"sess_1"}}`))
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeUpstream) send(t *testing.T, msg string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		t.Fatal("no upstream connection")
	}
	conn := f.conns[len(f.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("upstream send: %v", err)
	}
}

func (f *fakeUpstream) recorded() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fakeUpstream) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func testConfig(upstreamURL string) *config.Config {
	cfg, _ := config.Load("")
	cfg.Upstream.URL = upstreamURL
	cfg.Upstream.APIKey = "sk-test"
	cfg.Upstream.RedialDelay = 20 * time.Millisecond
	cfg.Upstream.RedialMax = 2
	return cfg
}

func testValidator() auth.TokenValidator {
	return &auth.StaticValidator{Tokens: map[string]auth.Claims{
		"good-token": {UserID: "user-1"},
	}}
}

func newTestService(t *testing.T, cfg *config.Config, records *store.Store) (*Service, *httptest.Server) {
	t.Helper()
	svc := NewService(cfg, testValidator(), records, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(svc.HandleRealtime))
	t.Cleanup(func() {
		srv.Close()
		svc.Shutdown()
	})
	return svc, srv
}

func dialClient(t *testing.T, srv *httptest.Server, session, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"?session=" + session + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var ev map[string]json.RawMessage
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("client frame not JSON: %v", err)
	}
	return ev
}

func eventType(t *testing.T, ev map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	if err := json.Unmarshal(ev["type"], &typ); err != nil {
		t.Fatalf("event type: %v", err)
	}
	return typ
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRealtimeRequiresSessionParam(t *testing.T) {
	_, srv := newTestService(t, testConfig("ws://127.0.0.1:1"), nil)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRealtimeRejectsInvalidToken(t *testing.T) {
	_, srv := newTestService(t, testConfig("ws://127.0.0.1:1"), nil)

	resp, err := http.Get(srv.URL + "?session=s1&token=bogus")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRealtimeMissingAPIKey(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Upstream.APIKey = ""
	_, srv := newTestService(t, cfg, nil)

	resp, err := http.Get(srv.URL + "?session=s1&token=good-token")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == "" || body["debug"] == "" {
		t.Fatalf("body = %v, want error and debug fields", body)
	}
}

func TestSessionConfigInjectedOnceBeforeResponses(t *testing.T) {
	up := newFakeUpstream(t)
	_, srv := newTestService(t, testConfig(up.url()), nil)

	client := dialClient(t, srv, "s1", "good-token")

	if typ := eventType(t, readEvent(t, client)); typ != "session.created" {
		t.Fatalf("first client event = %q, want session.created", typ)
	}

	delta := `{"type":"response.audio.delta","delta":"AAAA"}`
	up.send(t, delta)
	if typ := eventType(t, readEvent(t, client)); typ != "response.audio.delta" {
		t.Fatal("audio delta not forwarded")
	}

	waitFor(t, func() bool { return len(up.recorded()) >= 1 }, "session.update")
	recorded := up.recorded()
	var update map[string]json.RawMessage
	if err := json.Unmarshal(recorded[0], &update); err != nil {
		t.Fatal(err)
	}
	if typ := eventType(t, update); typ != "session.update" {
		t.Fatalf("first upstream frame = %q, want session.update", typ)
	}
	var sess realtime.SessionConfig
	if err := json.Unmarshal(update["session"], &sess); err != nil {
		t.Fatal(err)
	}
	if sess.Voice != "alloy" {
		t.Fatalf("injected voice = %q, want alloy", sess.Voice)
	}
	for _, msg := range recorded[1:] {
		var ev map[string]json.RawMessage
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		if eventType(t, ev) == "session.update" {
			t.Fatal("session.update injected more than once")
		}
	}
}

func TestClientFramesForwardedVerbatim(t *testing.T) {
	up := newFakeUpstream(t)
	_, srv := newTestService(t, testConfig(up.url()), nil)

	client := dialClient(t, srv, "s1", "good-token")
	readEvent(t, client) // session.created

	frame := `{"type":"input_audio_buffer.append","audio":"UklGRg=="}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		for _, msg := range up.recorded() {
			if string(msg) == frame {
				return true
			}
		}
		return false
	}, "client frame upstream")
}

func TestSupersedeClosesPriorConnection(t *testing.T) {
	up := newFakeUpstream(t)
	svc, srv := newTestService(t, testConfig(up.url()), nil)

	first := dialClient(t, srv, "s1", "good-token")
	readEvent(t, first)

	second := dialClient(t, srv, "s1", "good-token")
	readEvent(t, second)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	waitFor(t, func() bool { return svc.SessionCount() == 1 }, "single registered session")

	// The surviving bridge still relays.
	up.send(t, `{"type":"response.audio.delta","delta":"AAAA"}`)
	if typ := eventType(t, readEvent(t, second)); typ != "response.audio.delta" {
		t.Fatal("superseding session not relaying")
	}
}

func TestUpstreamDialFailureNotifiesClient(t *testing.T) {
	_, srv := newTestService(t, testConfig("ws://127.0.0.1:1"), nil)

	client := dialClient(t, srv, "s1", "good-token")
	ev := readEvent(t, client)
	if typ := eventType(t, ev); typ != "error" {
		t.Fatalf("event = %q, want error", typ)
	}
}

func TestClientFramesHeldUntilSessionUpdate(t *testing.T) {
	up := newFakeUpstreamDelayed(t, 150*time.Millisecond)
	_, srv := newTestService(t, testConfig(up.url()), nil)

	client := dialClient(t, srv, "s1", "good-token")

	frame := `{"type":"input_audio_buffer.append","audio":"UklGRg=="}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatal(err)
	}

	// Nothing may reach the provider before its session exists.
	time.Sleep(50 * time.Millisecond)
	if got := len(up.recorded()); got != 0 {
		t.Fatalf("provider received %d frames before session.created", got)
	}

	waitFor(t, func() bool { return len(up.recorded()) >= 2 }, "held frame flush")
	recorded := up.recorded()
	var first map[string]json.RawMessage
	if err := json.Unmarshal(recorded[0], &first); err != nil {
		t.Fatal(err)
	}
	if typ := eventType(t, first); typ != "session.update" {
		t.Fatalf("first upstream frame = %q, want session.update", typ)
	}
	if string(recorded[1]) != frame {
		t.Fatalf("second upstream frame = %s, want the held client frame", recorded[1])
	}
}

func TestCloseDuringUpstreamRedial(t *testing.T) {
	// First provider connection drops abruptly to start a redial; later
	// handshakes are held open so the client can disconnect while the
	// redial's dial is in flight. The late connection must be closed, not
	// installed on the dead bridge.
	var requests, lateOpened, lateClosed atomic.Int32
	upgrader := websocket.Upgrader{}
	upSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"type":"session.created","session":{"id":"sess_1"}}`))
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		lateOpened.Add(1)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				lateClosed.Add(1)
				return
			}
		}
	}))
	t.Cleanup(upSrv.Close)

	cfg := testConfig("ws" + strings.TrimPrefix(upSrv.URL, "http"))
	svc, srv := newTestService(t, cfg, nil)

	client := dialClient(t, srv, "s1", "good-token")
	readEvent(t, client) // session.created from the first provider connection

	waitFor(t, func() bool { return requests.Load() >= 2 }, "redial in flight")
	client.Close()
	waitFor(t, func() bool { return svc.SessionCount() == 0 }, "session teardown")

	waitFor(t, func() bool {
		return lateOpened.Load() >= 1 && lateClosed.Load() == lateOpened.Load()
	}, "late provider connection closed")
}

func TestClientDisconnectPersistsRecord(t *testing.T) {
	up := newFakeUpstream(t)
	records, err := store.Open(store.Options{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { records.Close() })
	baseline := runtime.NumGoroutine()

	svc, srv := newTestService(t, testConfig(up.url()), records)

	client := dialClient(t, srv, "s1", "good-token")
	readEvent(t, client)
	up.send(t, `{"type":"response.audio_transcript.delta","delta":"hello"}`)
	readEvent(t, client)

	client.Close()
	waitFor(t, func() bool { return svc.SessionCount() == 0 }, "session teardown")

	rec, err := records.Get("s1")
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.UserID != "user-1" {
		t.Fatalf("record user = %q", rec.UserID)
	}
	if rec.CloseReason != "client_disconnect" {
		t.Fatalf("close reason = %q", rec.CloseReason)
	}
	if rec.Transcript != "hello" {
		t.Fatalf("transcript = %q", rec.Transcript)
	}
	if up.connCount() != 1 {
		t.Fatalf("upstream conns = %d, want 1", up.connCount())
	}

	testutil.AssertNoGoroutineLeaks(t, baseline, 4)
}
