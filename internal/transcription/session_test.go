package transcription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/denis-ea7/cluely-sub000/internal/audio"
	"github.com/denis-ea7/cluely-sub000/internal/fault"
	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

var testUpgrader = websocket.Upgrader{}

// newBackend starts an in-process websocket backend. The handler receives
// each upgraded connection after the client's start message has been read
// and verified.
func newBackend(t *testing.T, handler func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var start startMessage
		if err := conn.ReadJSON(&start); err != nil {
			t.Errorf("failed to read start message: %v", err)
			return
		}
		if start.Type != "start" || start.Encoding != "LINEAR16" || start.SampleRateHertz != 16000 {
			t.Errorf("unexpected start message: %+v", start)
		}

		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	errs   []error
}

func (r *eventRecorder) onEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *eventRecorder) snapshot() ([]Event, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...), append([]error{}, r.errs...)
}

func testConfig(url string) SessionConfig {
	return SessionConfig{
		URL:              url,
		Language:         "en",
		SampleRate:       16000,
		ConnectTimeout:   2 * time.Second,
		MaxRetries:       1,
		InterimDebounce:  200 * time.Millisecond,
		FinalWaitTimeout: 2 * time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSessionEndToEnd(t *testing.T) {
	var chunksSeen int64
	_, url := newBackend(t, func(conn *websocket.Conn) {
		for {
			mt, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				atomic.AddInt64(&chunksSeen, 1)
				continue
			}
			// End-of-input sentinel: reply with one interim, a pause longer
			// than the debounce window, then the final.
			conn.WriteJSON(map[string]string{"type": "interim", "text": "hello"})
			time.Sleep(300 * time.Millisecond)
			conn.WriteJSON(map[string]string{"type": "final", "text": "hello world"})
			return
		}
	})

	rec := &eventRecorder{}
	s := NewSession(testConfig(url), audio.SourceMic, rec.onEvent, rec.onError, logger.NewNop())

	if s.State() != StateIdle {
		t.Fatalf("initial state = %s, want idle", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != StateStreaming {
		t.Fatalf("state after Start = %s, want streaming", s.State())
	}

	chunk := make([]byte, 320)
	for i := 0; i < 10; i++ {
		if err := s.Send(chunk); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	text, err := s.End(context.Background())
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if text != "hello world" {
		t.Errorf("final text = %q, want %q", text, "hello world")
	}
	if s.State() != StateClosed {
		t.Errorf("state after End = %s, want closed", s.State())
	}
	if got := atomic.LoadInt64(&chunksSeen); got != 10 {
		t.Errorf("backend saw %d chunks, want 10", got)
	}

	events, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	var interims, finals int
	for _, ev := range events {
		switch ev.Kind {
		case EventInterim:
			interims++
		case EventFinal:
			finals++
			if ev.Text != "hello world" {
				t.Errorf("final event text = %q", ev.Text)
			}
			if ev.Source != audio.SourceMic {
				t.Errorf("final event source = %q", ev.Source)
			}
		}
	}
	if interims != 1 {
		t.Errorf("got %d interim updates, want 1", interims)
	}
	if finals != 1 {
		t.Errorf("got %d final events, want 1", finals)
	}
}

func TestSessionBuffersChunksBeforeOpen(t *testing.T) {
	received := make(chan int, 1)
	_, url := newBackend(t, func(conn *websocket.Conn) {
		count := 0
		for {
			mt, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				count++
				if count == 3 {
					received <- count
					conn.WriteJSON(map[string]string{"type": "final", "text": "ok"})
					return
				}
			}
		}
	})

	rec := &eventRecorder{}
	s := NewSession(testConfig(url), audio.SourceMic, rec.onEvent, rec.onError, logger.NewNop())

	// Chunks sent before the socket opens are queued, not dropped.
	for i := 0; i < 3; i++ {
		if err := s.Send([]byte{byte(i), 0}); err != nil {
			t.Fatalf("pre-open Send failed: %v", err)
		}
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case n := <-received:
		if n != 3 {
			t.Errorf("backend received %d buffered chunks, want 3", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received the buffered chunks")
	}
	s.Stop()
}

func TestSessionFinalBeforeFlushCompletes(t *testing.T) {
	_, url := newBackend(t, func(conn *websocket.Conn) {
		// Finalize immediately, racing the client's flush of buffered audio.
		conn.WriteJSON(map[string]string{"type": "final", "text": "early"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := &eventRecorder{}
	s := NewSession(testConfig(url), audio.SourceMic, rec.onEvent, rec.onError, logger.NewNop())

	chunk := make([]byte, 320)
	for i := 0; i < 50; i++ {
		if err := s.Send(chunk); err != nil {
			t.Fatalf("pre-open Send failed: %v", err)
		}
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		events, _ := rec.snapshot()
		for _, ev := range events {
			if ev.Kind == EventFinal {
				return true
			}
		}
		return false
	})

	// The final must win: the session settles in Closed and never flips
	// back to Streaming, with no spurious error after the success.
	waitFor(t, 2*time.Second, func() bool { return s.State() == StateClosed })
	time.Sleep(100 * time.Millisecond)
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	_, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Errorf("unexpected errors after early final: %v", errs)
	}

	text, err := s.End(context.Background())
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if text != "early" {
		t.Errorf("final text = %q, want %q", text, "early")
	}
}

func TestSessionInterimDebounce(t *testing.T) {
	_, url := newBackend(t, func(conn *websocket.Conn) {
		send := func(text string) {
			conn.WriteJSON(map[string]string{"type": "interim", "text": text})
		}
		send("A")
		time.Sleep(50 * time.Millisecond)
		send("B")
		time.Sleep(40 * time.Millisecond)
		send("C")
		time.Sleep(210 * time.Millisecond)
		send("D")
		// Hold the connection until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := &eventRecorder{}
	s := NewSession(testConfig(url), audio.SourceMic, rec.onEvent, rec.onError, logger.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Both debounce windows have elapsed well before 800ms.
	time.Sleep(800 * time.Millisecond)
	s.Stop()

	events, _ := rec.snapshot()
	var texts []string
	for _, ev := range events {
		if ev.Kind == EventInterim {
			texts = append(texts, ev.Text)
		}
	}
	if len(texts) != 2 {
		t.Fatalf("got %d interim updates %v, want 2", len(texts), texts)
	}
	if texts[0] != "C" {
		t.Errorf("first coalesced update = %q, want C", texts[0])
	}
	if texts[1] != "D" {
		t.Errorf("second update = %q, want D (pending update must not be lost)", texts[1])
	}
}

func TestSessionFinalWaitTimeout(t *testing.T) {
	_, url := newBackend(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]string{"type": "interim", "text": "partial"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testConfig(url)
	cfg.FinalWaitTimeout = 200 * time.Millisecond
	rec := &eventRecorder{}
	s := NewSession(cfg, audio.SourceSystem, rec.onEvent, rec.onError, logger.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let the interim land before signaling end-of-input.
	time.Sleep(100 * time.Millisecond)

	started := time.Now()
	text, err := s.End(context.Background())
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("End blocked for %v, want bounded wait", elapsed)
	}
	if text != "partial" {
		t.Errorf("best-effort text = %q, want %q", text, "partial")
	}
}

func TestSessionProtocolErrorPastTolerance(t *testing.T) {
	_, url := newBackend(t, func(conn *websocket.Conn) {
		for i := 0; i < malformedTolerance+1; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := &eventRecorder{}
	s := NewSession(testConfig(url), audio.SourceMic, rec.onEvent, rec.onError, logger.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return s.State() == StateErrored })

	_, errs := rec.snapshot()
	if len(errs) == 0 {
		t.Fatal("expected protocol errors to be surfaced")
	}
	for _, err := range errs {
		if fault.KindOf(err) != fault.KindProtocol {
			t.Errorf("error kind = %q, want %q (%v)", fault.KindOf(err), fault.KindProtocol, err)
		}
	}
}

func TestSessionTransportErrorSurfaced(t *testing.T) {
	_, url := newBackend(t, func(conn *websocket.Conn) {
		// Drop the connection mid-stream without a close handshake.
		time.Sleep(50 * time.Millisecond)
		conn.UnderlyingConn().Close()
	})

	rec := &eventRecorder{}
	s := NewSession(testConfig(url), audio.SourceMic, rec.onEvent, rec.onError, logger.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return s.State() == StateErrored })

	_, errs := rec.snapshot()
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
	if fault.KindOf(errs[0]) != fault.KindTransport {
		t.Errorf("error kind = %q, want %q", fault.KindOf(errs[0]), fault.KindTransport)
	}
}

func TestSessionStopIdempotent(t *testing.T) {
	_, url := newBackend(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := &eventRecorder{}
	s := NewSession(testConfig(url), audio.SourceMic, rec.onEvent, rec.onError, logger.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.Stop()
	s.Stop()

	if s.State() != StateClosed {
		t.Errorf("state after double Stop = %s, want closed", s.State())
	}
	if err := s.Send([]byte{0, 0}); err == nil {
		t.Error("expected Send after Stop to fail")
	}
}

func TestSessionDialFailure(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/nope")
	cfg.MaxRetries = 1
	cfg.ConnectTimeout = 500 * time.Millisecond

	rec := &eventRecorder{}
	s := NewSession(cfg, audio.SourceMic, rec.onEvent, rec.onError, logger.NewNop())

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	if fault.KindOf(err) != fault.KindTransport {
		t.Errorf("error kind = %q, want %q", fault.KindOf(err), fault.KindTransport)
	}
	if s.State() != StateErrored {
		t.Errorf("state = %s, want errored", s.State())
	}

	// The failure is already Start's return value; it must not be reported
	// a second time through the error callback.
	_, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Errorf("dial failure surfaced twice, callback got: %v", errs)
	}
}
