// Package capture runs the per-owner capture pipeline: devices in, encoded
// chunks out to the transcription sessions, events out to storage and the
// fanout server.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/denis-ea7/cluely-sub000/internal/audio"
	"github.com/denis-ea7/cluely-sub000/internal/config"
	"github.com/denis-ea7/cluely-sub000/internal/fault"
	"github.com/denis-ea7/cluely-sub000/internal/storage/sqlite"
	"github.com/denis-ea7/cluely-sub000/internal/transcription"
	"github.com/denis-ea7/cluely-sub000/internal/websocket"
	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

// levelInterval is how often a source's meter reading is pushed to clients.
const levelInterval = 200 * time.Millisecond

// Service owns capture pipelines keyed by owner. Each owner gets two
// pipelines (mic and system loopback), each feeding its own transcription
// session. Final transcripts are persisted; everything is broadcast.
type Service struct {
	cfg          *config.Config
	orchestrator *transcription.Orchestrator
	storage      *sqlite.TranscriptStorage
	wsServer     *websocket.Server
	logger       *logger.Logger

	// lifeMu serializes the stop-then-start sequence. Concurrent Starts for
	// one owner would otherwise double-open both devices and leak the losing
	// pipeline when the map insert is overwritten.
	lifeMu sync.Mutex

	mu     sync.Mutex
	owners map[string]*ownerCapture
}

// ownerCapture holds one owner's open devices and pump goroutines.
type ownerCapture struct {
	cancel  context.CancelFunc
	sources []audio.Source
	wg      sync.WaitGroup
}

// NewService wires the capture service.
func NewService(cfg *config.Config, storage *sqlite.TranscriptStorage, wsServer *websocket.Server, log *logger.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		storage:  storage,
		wsServer: wsServer,
		logger:   log.Named("capture"),
		owners:   make(map[string]*ownerCapture),
	}

	sessionCfg := transcription.SessionConfig{
		URL:              cfg.Transcription.WSBaseURL,
		Language:         cfg.Transcription.Language,
		SampleRate:       cfg.Audio.TargetSampleRate,
		ConnectTimeout:   time.Duration(cfg.Transcription.ConnectTimeoutSecs) * time.Second,
		MaxRetries:       cfg.Transcription.MaxRetries,
		InterimDebounce:  time.Duration(cfg.Transcription.InterimDebounceMs) * time.Millisecond,
		FinalWaitTimeout: time.Duration(cfg.Transcription.FinalWaitTimeoutMs) * time.Millisecond,
	}
	s.orchestrator = transcription.NewOrchestrator(sessionCfg, s.handleEvent, s.handleError, log)

	return s
}

// ListDevices returns the input-capable devices on this machine.
func (s *Service) ListDevices() ([]audio.DeviceInfo, error) {
	return audio.ListInputDevices()
}

// Start opens both devices and both sessions for owner. An existing capture
// for the same owner is fully stopped first, devices released included, so
// a restart can never hit a device-busy error.
func (s *Service) Start(ctx context.Context, owner string) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if err := s.stopOwner(ctx, owner); err != nil {
		return err
	}

	if err := s.orchestrator.Start(ctx, owner); err != nil {
		return err
	}

	micSource, err := audio.Open(s.cfg.Audio.MicDevice, s.cfg.Audio.FramesPerBuffer, s.logger)
	if err != nil {
		s.orchestrator.Stop(ctx, owner)
		return err
	}
	systemSource, err := audio.Open(s.cfg.Audio.LoopbackDevice, s.cfg.Audio.FramesPerBuffer, s.logger)
	if err != nil {
		micSource.Close()
		s.orchestrator.Stop(ctx, owner)
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	oc := &ownerCapture{
		cancel:  cancel,
		sources: []audio.Source{micSource, systemSource},
	}

	oc.wg.Add(2)
	go s.pump(pumpCtx, oc, owner, audio.SourceMic, micSource)
	go s.pump(pumpCtx, oc, owner, audio.SourceSystem, systemSource)

	s.mu.Lock()
	s.owners[owner] = oc
	s.mu.Unlock()

	s.logger.Info("Capture started", logger.String("owner", owner))
	return nil
}

// Stop tears down the owner's capture: devices first, then sessions. It is
// idempotent; stopping an unknown owner is a no-op.
func (s *Service) Stop(ctx context.Context, owner string) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.stopOwner(ctx, owner)
}

func (s *Service) stopOwner(ctx context.Context, owner string) error {
	s.mu.Lock()
	oc := s.owners[owner]
	delete(s.owners, owner)
	s.mu.Unlock()

	if oc != nil {
		// Release the devices before the sessions so the OS handles are
		// free by the time Stop returns.
		for _, src := range oc.sources {
			if err := src.Close(); err != nil {
				s.logger.Warn("Failed to close audio source", logger.Error(err))
			}
		}
		oc.cancel()
		oc.wg.Wait()
	}

	if err := s.orchestrator.Stop(ctx, owner); err != nil {
		return err
	}

	if oc != nil {
		s.logger.Info("Capture stopped", logger.String("owner", owner))
	}
	return nil
}

// StopAll stops every owner. Used on shutdown.
func (s *Service) StopAll(ctx context.Context) {
	s.mu.Lock()
	owners := make([]string, 0, len(s.owners))
	for owner := range s.owners {
		owners = append(owners, owner)
	}
	s.mu.Unlock()

	for _, owner := range owners {
		if err := s.Stop(ctx, owner); err != nil {
			s.logger.Warn("Failed to stop capture", logger.String("owner", owner), logger.Error(err))
		}
	}
}

// SendChunk forwards an externally produced PCM16LE chunk into the owner's
// session for the given source.
func (s *Service) SendChunk(owner string, source audio.SourceLabel, pcm []byte) error {
	return s.orchestrator.Send(owner, source, pcm)
}

// Active reports whether owner has a running capture.
func (s *Service) Active(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners[owner] != nil
}

// pump drains one source: encode, meter, forward. Every chunk reaches the
// session regardless of the gate's silence state.
func (s *Service) pump(ctx context.Context, oc *ownerCapture, owner string, label audio.SourceLabel, src audio.Source) {
	defer oc.wg.Done()

	encoder := audio.NewEncoder(s.cfg.Audio.TargetSampleRate)
	gate := audio.NewGate(s.cfg.Audio.VADThreshold)
	log := s.logger.With(logger.String("owner", owner), logger.String("source", string(label)))

	var seq int64
	var lastLevelAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-src.Frames():
			if !ok {
				return
			}

			pcm, err := encoder.Encode(frame.Samples, frame.SampleRate, frame.Channels)
			if err != nil {
				log.Error("Failed to encode frame", logger.Error(err))
				continue
			}
			if len(pcm) == 0 {
				continue
			}

			level := gate.Update(pcm)
			if time.Since(lastLevelAt) >= levelInterval {
				lastLevelAt = time.Now()
				s.wsServer.Broadcast(&websocket.Message{
					Type: websocket.MessageTypeAudioLevel,
					Data: map[string]any{
						"owner":    owner,
						"source":   string(label),
						"level":    level,
						"speaking": gate.Speaking(),
					},
				})
			}

			seq++
			chunk := audio.Chunk{
				PCM:        pcm,
				Source:     label,
				Seq:        seq,
				CapturedAt: time.Now(),
			}
			if err := s.orchestrator.Send(owner, chunk.Source, chunk.PCM); err != nil {
				log.Warn("Failed to forward chunk", logger.Int64("seq", chunk.Seq), logger.Error(err))
				return
			}
		}
	}
}

// handleEvent persists finals and pushes every transcript event to clients.
func (s *Service) handleEvent(owner string, ev transcription.Event) {
	if ev.Kind == transcription.EventFinal && ev.Text != "" && s.storage != nil {
		if _, err := s.storage.StoreTranscript(&sqlite.TranscriptRecord{
			Owner:     owner,
			Source:    string(ev.Source),
			CreatedAt: ev.Timestamp,
			Content:   ev.Text,
		}); err != nil {
			s.logger.Error("Failed to store transcript", logger.Error(err))
		}
	}

	s.wsServer.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeTranscript,
		Data: map[string]any{
			"owner":     owner,
			"source":    string(ev.Source),
			"text":      ev.Text,
			"kind":      string(ev.Kind),
			"timestamp": ev.Timestamp,
		},
	})
}

// handleError turns a session error into one structured client event.
func (s *Service) handleError(owner string, source audio.SourceLabel, err error) {
	kind := fault.KindOf(err)
	s.logger.Error("Session error",
		logger.String("owner", owner),
		logger.String("source", string(source)),
		logger.String("kind", string(kind)),
		logger.Error(err))

	s.wsServer.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeError,
		Data: map[string]any{
			"owner":   owner,
			"source":  string(source),
			"kind":    string(kind),
			"message": err.Error(),
		},
	})
}
