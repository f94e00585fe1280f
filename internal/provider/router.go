package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/denis-ea7/cluely-sub000/internal/fault"
	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

// RouterConfig holds the router's tunables.
type RouterConfig struct {
	// Cooldown is how long a rate-limited profile is excluded from rotation.
	Cooldown time.Duration
	// FallbackModel is the model used on the local fallback provider.
	FallbackModel string
}

// Router wraps each non-streaming call across the ranked profile pool.
// Rotation rules:
//   - rate limit: advance to the next-ranked profile (wrap-around), at most
//     max(1, profileCount) profile attempts per call;
//   - unsupported model: advance the model variant within the same profile
//     first, bounding total attempts at profileCount x modelVariantCount;
//   - region block: probe the local fallback, switch to it for the rest of
//     the process lifetime, and retry the original request once.
//
// The first success wins and stops the loop. Rotation state is serialized
// by a single mutex so concurrent calls cannot step on each other's index.
type Router struct {
	cfg       RouterConfig
	logger    *logger.Logger
	chat      map[string]ChatProvider
	snippet   map[string]SnippetProvider
	fallback  LocalFallback
	now       func() time.Time

	mu             sync.Mutex
	profiles       []*profileState
	idx            int
	fallbackActive bool
}

// NewRouter creates a router over the given profiles, ranked by priority.
func NewRouter(cfg RouterConfig, profiles []Profile, chat []ChatProvider, snippet []SnippetProvider, fallback LocalFallback, log *logger.Logger) *Router {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}

	chatMap := make(map[string]ChatProvider, len(chat))
	for _, p := range chat {
		chatMap[p.ID()] = p
	}
	snippetMap := make(map[string]SnippetProvider, len(snippet))
	for _, p := range snippet {
		snippetMap[p.ID()] = p
	}

	r := &Router{
		cfg:      cfg,
		logger:   log.Named("router"),
		chat:     chatMap,
		snippet:  snippetMap,
		fallback: fallback,
		now:      time.Now,
	}
	r.SetProfiles(profiles)
	return r
}

// SetProfiles replaces the profile pool, e.g. after a credential refresh.
// Rotation state restarts from the top-ranked profile.
func (r *Router) SetProfiles(profiles []Profile) {
	states := make([]*profileState, 0, len(profiles))
	for _, p := range profiles {
		states = append(states, &profileState{Profile: p})
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].Priority < states[j].Priority
	})

	r.mu.Lock()
	r.profiles = states
	r.idx = 0
	r.mu.Unlock()
}

// FallbackActive reports whether the sticky local fallback is in effect.
func (r *Router) FallbackActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallbackActive
}

// SwitchToFallback forces the sticky fallback on.
func (r *Router) SwitchToFallback() {
	r.mu.Lock()
	r.fallbackActive = true
	r.mu.Unlock()
	r.logger.Info("Switched to local fallback provider")
}

// SwitchToCloud clears the sticky fallback. This is the only way the flag
// is ever reset.
func (r *Router) SwitchToCloud() {
	r.mu.Lock()
	r.fallbackActive = false
	r.mu.Unlock()
	r.logger.Info("Switched back to cloud providers")
}

// Generate runs one chat completion through the failover pool.
func (r *Router) Generate(ctx context.Context, messages []ChatMessage) (string, error) {
	if r.isFallbackActive() {
		return r.completeOnFallback(ctx, messages)
	}

	return r.run(ctx, func(ctx context.Context, ps *profileState, model string) (string, error) {
		p, ok := r.chat[ps.ProviderID]
		if !ok {
			return "", fault.Newf(fault.KindUnsupportedModel, "no chat provider registered for %q", ps.ProviderID)
		}
		return p.Complete(ctx, ps.Credential, model, messages)
	}, func(ctx context.Context) (string, error) {
		return r.completeOnFallback(ctx, messages)
	})
}

// TranscribeSnippet transcribes one recorded clip through the failover pool.
// The local fallback has no transcription capability, so a region block here
// surfaces an error naming both causes.
func (r *Router) TranscribeSnippet(ctx context.Context, wav []byte) (string, error) {
	if r.isFallbackActive() {
		return "", fault.New(fault.KindRegionBlocked, "cloud providers region-blocked and local fallback cannot transcribe audio")
	}

	return r.run(ctx, func(ctx context.Context, ps *profileState, model string) (string, error) {
		p, ok := r.snippet[ps.ProviderID]
		if !ok {
			return "", fault.Newf(fault.KindUnsupportedModel, "no snippet provider registered for %q", ps.ProviderID)
		}
		return p.Transcribe(ctx, ps.Credential, model, wav)
	}, nil)
}

// run drives the rotation loop. call executes one attempt; onFallback, if
// non-nil, retries the request on the local fallback after a region block.
func (r *Router) run(ctx context.Context, call func(context.Context, *profileState, string) (string, error), onFallback func(context.Context) (string, error)) (string, error) {
	maxProfiles := 1
	r.mu.Lock()
	if len(r.profiles) > maxProfiles {
		maxProfiles = len(r.profiles)
	}
	r.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxProfiles; attempt++ {
		ps := r.selectProfile()
		if ps == nil {
			return "", fault.New(fault.KindUnsupportedModel, "no provider profiles configured")
		}

		maxModels := 1
		if len(ps.Models) > maxModels {
			maxModels = len(ps.Models)
		}

		rotated := false
		for modelTry := 0; modelTry < maxModels; modelTry++ {
			r.mu.Lock()
			model := ps.currentModel()
			r.mu.Unlock()

			text, err := call(ctx, ps, model)
			if err == nil {
				// First success wins: stop immediately, never discard it
				// in favor of another attempt.
				return text, nil
			}
			lastErr = err

			switch fault.KindOf(err) {
			case fault.KindUnsupportedModel:
				r.logger.Warn("Model rejected, advancing variant",
					logger.String("provider", ps.ProviderID),
					logger.String("model", model))
				r.mu.Lock()
				ps.advanceModel()
				ps.lastFailed = r.now()
				r.mu.Unlock()
				continue
			case fault.KindRateLimited:
				r.logger.Warn("Profile rate-limited, rotating",
					logger.String("provider", ps.ProviderID))
				r.mu.Lock()
				ps.cooldownUntil = r.now().Add(r.cfg.Cooldown)
				ps.lastFailed = r.now()
				r.advanceLocked()
				r.mu.Unlock()
				rotated = true
			case fault.KindRegionBlocked:
				return r.handleRegionBlock(ctx, err, onFallback)
			default:
				// Transport and other unrecoverable failures are surfaced
				// immediately, not retried.
				return "", err
			}
			break
		}

		if !rotated {
			// Every model variant on this profile was rejected.
			r.mu.Lock()
			r.advanceLocked()
			r.mu.Unlock()
		}
	}

	return "", lastErr
}

// handleRegionBlock probes the local fallback and, if it answers, makes the
// switch sticky and retries the original request exactly once.
func (r *Router) handleRegionBlock(ctx context.Context, cause error, onFallback func(context.Context) (string, error)) (string, error) {
	if onFallback == nil || r.fallback == nil {
		return "", fault.Wrap(fault.KindRegionBlocked, "provider region-blocked and no local fallback supports this call", cause)
	}
	if !r.fallback.Available(ctx) {
		return "", fault.Wrap(fault.KindRegionBlocked, "provider region-blocked and local fallback is unavailable", cause)
	}

	r.logger.Warn("Provider region-blocked, switching to local fallback", logger.Error(cause))
	r.SwitchToFallback()
	return onFallback(ctx)
}

func (r *Router) isFallbackActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallbackActive
}

func (r *Router) completeOnFallback(ctx context.Context, messages []ChatMessage) (string, error) {
	if r.fallback == nil {
		return "", fault.New(fault.KindRegionBlocked, "no local fallback provider configured")
	}
	return r.fallback.Complete(ctx, r.cfg.FallbackModel, messages)
}

// selectProfile returns the profile at the rotation index, skipping any in
// cooldown. If every profile is cooling, the least-recently-failed one is
// used anyway.
func (r *Router) selectProfile() *profileState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.profiles) == 0 {
		return nil
	}

	now := r.now()
	for i := 0; i < len(r.profiles); i++ {
		pos := (r.idx + i) % len(r.profiles)
		ps := r.profiles[pos]
		if !ps.cooldownUntil.After(now) {
			r.idx = pos
			return ps
		}
	}

	best := r.profiles[0]
	for _, ps := range r.profiles[1:] {
		if ps.lastFailed.Before(best.lastFailed) {
			best = ps
		}
	}
	return best
}

func (r *Router) advanceLocked() {
	if len(r.profiles) > 0 {
		r.idx = (r.idx + 1) % len(r.profiles)
	}
}
