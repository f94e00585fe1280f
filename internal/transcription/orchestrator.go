package transcription

import (
	"context"
	"fmt"
	"sync"

	"github.com/denis-ea7/cluely-sub000/internal/audio"
	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

// ErrorHandler receives session errors labeled with their owner and source.
type ErrorHandler func(owner string, source audio.SourceLabel, err error)

// EventHandler receives transcript events labeled with their owner.
type EventHandler func(owner string, ev Event)

// sessionPair is the unit of lifecycle: one session per audio source.
type sessionPair struct {
	mic    *Session
	system *Session
}

func (p *sessionPair) bySource(source audio.SourceLabel) *Session {
	switch source {
	case audio.SourceMic:
		return p.mic
	case audio.SourceSystem:
		return p.system
	}
	return nil
}

// Orchestrator runs one session pair per owner. Starting a pair for an owner
// that already has one fully stops the old pair first, so each owner holds at
// most one active session per source. Events from the two sources are
// forwarded independently; no ordering is promised between them.
type Orchestrator struct {
	cfg     SessionConfig
	logger  *logger.Logger
	onEvent EventHandler
	onError ErrorHandler

	// lifeMu serializes the whole stop-then-start sequence. Without it two
	// concurrent Starts for one owner would both pass the stop-before-start
	// check and the loser's pair would leak with open connections.
	lifeMu sync.Mutex

	mu    sync.Mutex
	pairs map[string]*sessionPair
}

// NewOrchestrator creates an orchestrator producing sessions from cfg.
func NewOrchestrator(cfg SessionConfig, onEvent EventHandler, onError ErrorHandler, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		logger:  log.Named("orchestrator"),
		onEvent: onEvent,
		onError: onError,
		pairs:   make(map[string]*sessionPair),
	}
}

// Start opens a fresh session pair for owner. Any existing pair for the same
// owner is stopped and fully closed before the new one opens.
func (o *Orchestrator) Start(ctx context.Context, owner string) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	// Stop-before-start: the old pair must be completely closed before the
	// new sessions dial, or the backend sees two live streams per source.
	if err := o.stopOwner(ctx, owner); err != nil {
		return err
	}

	pair := &sessionPair{
		mic:    o.newSession(owner, audio.SourceMic),
		system: o.newSession(owner, audio.SourceSystem),
	}

	if err := pair.mic.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mic session: %w", err)
	}
	if err := pair.system.Start(ctx); err != nil {
		pair.mic.Stop()
		return fmt.Errorf("failed to start system session: %w", err)
	}

	o.mu.Lock()
	o.pairs[owner] = pair
	o.mu.Unlock()

	o.logger.Info("Session pair started", logger.String("owner", owner))
	return nil
}

func (o *Orchestrator) newSession(owner string, source audio.SourceLabel) *Session {
	return NewSession(o.cfg, source,
		func(ev Event) {
			if o.onEvent != nil {
				o.onEvent(owner, ev)
			}
		},
		func(err error) {
			if o.onError != nil {
				o.onError(owner, source, err)
			}
		},
		o.logger.With(logger.String("owner", owner)),
	)
}

// Send forwards one encoded chunk to the owner's session for the given source.
func (o *Orchestrator) Send(owner string, source audio.SourceLabel, pcm []byte) error {
	o.mu.Lock()
	pair := o.pairs[owner]
	o.mu.Unlock()

	if pair == nil {
		return fmt.Errorf("no active session for owner %s", owner)
	}
	session := pair.bySource(source)
	if session == nil {
		return fmt.Errorf("unknown source %q", source)
	}
	return session.Send(pcm)
}

// Active reports whether owner currently has a session pair.
func (o *Orchestrator) Active(owner string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pairs[owner] != nil
}

// Stop ends both of the owner's sessions, waiting a bounded time for final
// transcripts, and releases their sockets. Stopping an owner with no active
// pair is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, owner string) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	return o.stopOwner(ctx, owner)
}

func (o *Orchestrator) stopOwner(ctx context.Context, owner string) error {
	o.mu.Lock()
	pair := o.pairs[owner]
	delete(o.pairs, owner)
	o.mu.Unlock()

	if pair == nil {
		return nil
	}

	// End both concurrently; each wait is bounded by the session's
	// final-wait timeout, so Stop is bounded too.
	var wg sync.WaitGroup
	for _, session := range []*Session{pair.mic, pair.system} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if _, err := s.End(ctx); err != nil {
				o.logger.Warn("Session end failed", logger.Error(err))
			}
		}(session)
	}
	wg.Wait()

	o.logger.Info("Session pair stopped", logger.String("owner", owner))
	return nil
}

// StopAll stops every active pair. Used on shutdown.
func (o *Orchestrator) StopAll(ctx context.Context) {
	o.mu.Lock()
	owners := make([]string, 0, len(o.pairs))
	for owner := range o.pairs {
		owners = append(owners, owner)
	}
	o.mu.Unlock()

	for _, owner := range owners {
		if err := o.Stop(ctx, owner); err != nil {
			o.logger.Warn("Failed to stop session pair", logger.String("owner", owner), logger.Error(err))
		}
	}
}
