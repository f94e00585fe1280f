// Package provider implements non-streaming AI calls with failover across a
// ranked pool of provider profiles and a sticky local fallback.
package provider

import (
	"context"
	"time"
)

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// Profile is one (provider, credential, models) entry in the rotation pool.
// Lower Priority values rank first.
type Profile struct {
	ProviderID string
	Credential string
	Models     []string
	Priority   int
}

// profileState is a Profile plus the router's mutable rotation bookkeeping.
// Only the router touches it, under the router's mutex.
type profileState struct {
	Profile
	modelIdx      int
	cooldownUntil time.Time
	lastFailed    time.Time
}

func (p *profileState) currentModel() string {
	if len(p.Models) == 0 {
		return ""
	}
	return p.Models[p.modelIdx]
}

func (p *profileState) advanceModel() {
	if len(p.Models) > 0 {
		p.modelIdx = (p.modelIdx + 1) % len(p.Models)
	}
}

// ChatProvider executes one chat completion against a given credential and
// model. Implementations classify their errors with fault kinds.
type ChatProvider interface {
	ID() string
	Complete(ctx context.Context, credential, model string, messages []ChatMessage) (string, error)
}

// SnippetProvider transcribes one short recorded audio clip (WAV bytes).
type SnippetProvider interface {
	ID() string
	Transcribe(ctx context.Context, credential, model string, wav []byte) (string, error)
}

// LocalFallback is the on-machine provider used when cloud providers are
// region-blocked. It needs no credential.
type LocalFallback interface {
	ID() string
	Available(ctx context.Context) bool
	Complete(ctx context.Context, model string, messages []ChatMessage) (string, error)
}
