// Package transcription implements the streaming transcription session and
// the dual-source orchestrator above it.
package transcription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/denis-ea7/cluely-sub000/internal/audio"
	"github.com/denis-ea7/cluely-sub000/internal/fault"
	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateDraining
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// EventKind distinguishes replaceable interim text from terminal final text.
type EventKind string

const (
	EventInterim EventKind = "interim"
	EventFinal   EventKind = "final"
)

// Event is one reconciled transcript update delivered to the caller.
type Event struct {
	Source    audio.SourceLabel `json:"source"`
	Text      string            `json:"text"`
	Kind      EventKind         `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
}

// SessionConfig holds the settings for one backend connection.
type SessionConfig struct {
	URL              string
	Language         string
	SampleRate       int
	ConnectTimeout   time.Duration
	MaxRetries       int
	InterimDebounce  time.Duration
	FinalWaitTimeout time.Duration
}

// malformedTolerance is how many undecodable control messages a session
// accepts before giving up on the connection.
const malformedTolerance = 3

// Session owns one bidirectional connection to the transcription backend.
// It streams binary PCM chunks out, parses control messages in, coalesces
// interim updates, and surfaces errors through the error callback. A session
// never reconnects; that decision belongs to the orchestrator.
type Session struct {
	cfg     SessionConfig
	source  audio.SourceLabel
	logger  *logger.Logger
	dialer  *websocket.Dialer
	onEvent func(Event)
	onError func(error)

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	preOpen   [][]byte // chunks buffered while connecting
	lastText  string
	finalText string
	malformed int

	// debounce state: idle or debouncing with a pending text
	debouncing    bool
	pendingText   string
	hasPending    bool
	debounceTimer *time.Timer

	writeMu   sync.Mutex
	finalCh   chan struct{}
	finalOnce sync.Once
	closeOnce sync.Once
}

// NewSession creates a session in the Idle state. Both callbacks may be
// invoked from the session's read goroutine.
func NewSession(cfg SessionConfig, source audio.SourceLabel, onEvent func(Event), onError func(error), log *logger.Logger) *Session {
	if cfg.InterimDebounce <= 0 {
		cfg.InterimDebounce = 200 * time.Millisecond
	}
	if cfg.FinalWaitTimeout <= 0 {
		cfg.FinalWaitTimeout = 3 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Session{
		cfg:     cfg,
		source:  source,
		logger:  log.Named("session").With(logger.String("source", string(source))),
		dialer:  websocket.DefaultDialer,
		onEvent: onEvent,
		onError: onError,
		state:   StateIdle,
		finalCh: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start opens the backend connection, sends the start control message, and
// flushes any chunks buffered while connecting. Valid only from Idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start session in state %s", state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		ferr := fault.Wrap(fault.KindTransport, "failed to connect to transcription backend", err)
		s.abort()
		return ferr
	}

	start := startMessage{
		Type:            "start",
		Intent:          "transcription",
		Language:        s.cfg.Language,
		Encoding:        "LINEAR16",
		SampleRateHertz: s.cfg.SampleRate,
	}
	s.writeMu.Lock()
	err = conn.WriteJSON(start)
	s.writeMu.Unlock()
	if err != nil {
		conn.Close()
		ferr := fault.Wrap(fault.KindTransport, "failed to send start message", err)
		s.abort()
		return ferr
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)

	// Flush chunks queued while the socket was opening, preserving order.
	// More may arrive during the flush; repeat until the queue drains, then
	// flip to Streaming so Send writes directly. The read loop is already
	// running, so a final or failure may land mid-flush; a terminal state
	// must never be stomped back to Streaming.
	for {
		s.mu.Lock()
		if s.state != StateConnecting {
			s.mu.Unlock()
			return nil
		}
		if len(s.preOpen) == 0 {
			s.state = StateStreaming
			s.mu.Unlock()
			break
		}
		queued := s.preOpen
		s.preOpen = nil
		s.mu.Unlock()

		for _, chunk := range queued {
			if err := s.writeBinary(conn, chunk); err != nil {
				if !s.abort() {
					// The session finalized while flushing; the write
					// failure is moot.
					return nil
				}
				return fault.Wrap(fault.KindTransport, "failed to flush buffered audio", err)
			}
		}
	}

	s.logger.Debug("Session streaming", logger.String("url", s.cfg.URL))
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		dialCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.ConnectTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		}
		conn, resp, err := s.dialer.DialContext(dialCtx, s.cfg.URL, nil)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if resp != nil {
			s.logger.Warn("Backend handshake failed",
				logger.Int("attempt", attempt),
				logger.Int("status_code", resp.StatusCode))
		} else {
			s.logger.Warn("Backend dial failed",
				logger.Int("attempt", attempt),
				logger.Error(err))
		}
		if attempt < s.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
	}
	return nil, lastErr
}

// Send forwards one PCM16LE chunk. Chunks sent while the connection is still
// opening are queued, not dropped. Sending after the session has stopped
// returns an error.
func (s *Session) Send(pcm []byte) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateConnecting:
		buf := make([]byte, len(pcm))
		copy(buf, pcm)
		s.preOpen = append(s.preOpen, buf)
		s.mu.Unlock()
		return nil
	case StateStreaming:
		conn := s.conn
		s.mu.Unlock()
		if err := s.writeBinary(conn, pcm); err != nil {
			ferr := fault.Wrap(fault.KindTransport, "failed to send audio chunk", err)
			s.fail(ferr)
			return ferr
		}
		return nil
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot send in state %s", state)
	}
}

func (s *Session) writeBinary(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// End signals end-of-input and waits a bounded time for the final
// transcript. It returns the best text available: the final if it arrived,
// otherwise the latest interim (possibly empty). It never blocks past the
// configured final-wait timeout.
func (s *Session) End(ctx context.Context) (string, error) {
	s.mu.Lock()
	state := s.state
	conn := s.conn
	s.mu.Unlock()

	if state == StateStreaming || state == StateConnecting {
		if conn != nil {
			s.writeMu.Lock()
			err := conn.WriteJSON(stopMessage{Type: "stop"})
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn("Failed to send end-of-input sentinel", logger.Error(err))
			}
		}

		select {
		case <-s.finalCh:
		case <-time.After(s.cfg.FinalWaitTimeout):
			s.logger.Warn("Timed out waiting for final transcript, returning best-effort text")
		case <-ctx.Done():
		}
	}

	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalText != "" {
		return s.finalText, nil
	}
	return s.lastText, nil
}

// Stop force-closes the session. Idempotent and safe from any state; the
// socket is released before Stop returns.
func (s *Session) Stop() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		if s.state != StateErrored {
			s.state = StateClosed
		}
		if s.debounceTimer != nil {
			s.debounceTimer.Stop()
		}
		s.debouncing = false
		s.hasPending = false
		s.mu.Unlock()

		if conn != nil {
			s.writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.writeMu.Unlock()
			conn.Close()
		}
		s.finalOnce.Do(func() { close(s.finalCh) })
	})
}

// abort moves the session to Errored and releases the socket, unless it is
// already terminal. Reports whether this call performed the teardown. Errors
// Start returns synchronously use abort directly, so each failure is
// surfaced exactly once: through the return value or the callback, not both.
func (s *Session) abort() bool {
	s.mu.Lock()
	alreadyDone := s.state == StateDraining || s.state == StateClosed || s.state == StateErrored
	if !alreadyDone {
		s.state = StateErrored
	}
	conn := s.conn
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debouncing = false
	s.hasPending = false
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.finalOnce.Do(func() { close(s.finalCh) })
	return !alreadyDone
}

// fail aborts the session and notifies the caller exactly once per error.
func (s *Session) fail(err error) {
	if s.abort() && s.onError != nil {
		s.onError(err)
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			deliberate := s.state == StateDraining || s.state == StateClosed || s.state == StateErrored
			s.mu.Unlock()
			if deliberate {
				return
			}
			s.fail(fault.Wrap(fault.KindTransport, "connection closed unexpectedly", err))
			return
		}
		if msgType != websocket.TextMessage {
			// Audio only flows client to server; any binary frame back is
			// outside the protocol.
			s.handleMalformed(fault.New(fault.KindProtocol, "unexpected binary frame from backend"))
			continue
		}

		msg, err := DecodeServerMessage(data)
		if err != nil {
			s.handleMalformed(err)
			continue
		}

		switch msg.Type {
		case ServerStart:
			s.logger.Debug("Backend acknowledged session start")
		case ServerInterim:
			s.handleInterim(msg.Text)
		case ServerFinal:
			s.handleFinal(msg.Text)
			return
		case ServerError:
			s.fail(fault.Newf(fault.KindTransport, "backend error: %s", msg.Message))
			return
		}
	}
}

func (s *Session) handleMalformed(err error) {
	s.mu.Lock()
	s.malformed++
	exceeded := s.malformed > malformedTolerance
	s.mu.Unlock()

	if exceeded {
		s.fail(fault.Wrap(fault.KindProtocol, "too many malformed messages", err))
		return
	}
	s.logger.Warn("Ignoring malformed backend message", logger.Error(err))
	if s.onError != nil {
		s.onError(err)
	}
}

// handleInterim records the latest full-text snapshot and schedules its
// delivery. Interims replace the prior text; they are never appended. At
// most one update reaches the caller per debounce window, and a pending
// update is flushed exactly once when the window elapses.
func (s *Session) handleInterim(text string) {
	s.mu.Lock()
	s.lastText = text
	if s.state != StateStreaming && s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.pendingText = text
	s.hasPending = true
	if s.debouncing {
		s.mu.Unlock()
		return
	}
	s.debouncing = true
	s.debounceTimer = time.AfterFunc(s.cfg.InterimDebounce, s.flushInterim)
	s.mu.Unlock()
}

func (s *Session) flushInterim() {
	s.mu.Lock()
	s.debouncing = false
	if !s.hasPending {
		s.mu.Unlock()
		return
	}
	text := s.pendingText
	s.hasPending = false
	stopped := s.state == StateClosed || s.state == StateErrored || s.state == StateDraining
	s.mu.Unlock()

	if stopped {
		return
	}
	s.emit(Event{Source: s.source, Text: text, Kind: EventInterim, Timestamp: time.Now()})
}

// handleFinal delivers the terminal text, drains, and closes the socket.
// The final supersedes any pending interim.
func (s *Session) handleFinal(text string) {
	s.mu.Lock()
	s.finalText = text
	s.lastText = text
	s.state = StateDraining
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debouncing = false
	s.hasPending = false
	s.mu.Unlock()

	s.emit(Event{Source: s.source, Text: text, Kind: EventFinal, Timestamp: time.Now()})
	s.finalOnce.Do(func() { close(s.finalCh) })

	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.state = StateClosed
		s.mu.Unlock()
		if conn != nil {
			s.writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.writeMu.Unlock()
			conn.Close()
		}
	})
}

func (s *Session) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}
