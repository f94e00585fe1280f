package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// Gate tracks voice activity over the encoded chunk stream. It is advisory:
// its state drives UI meters and optional segmentation, and it never causes
// a chunk to be dropped from the transcription stream.
type Gate struct {
	threshold float64
	now       func() time.Time

	mu               sync.Mutex
	level            float64
	speaking         bool
	lastVoiceAt      time.Time
	silenceStartedAt time.Time
}

// NewGate creates a gate. RMS above threshold counts as voice.
func NewGate(threshold float64) *Gate {
	return &Gate{threshold: threshold, now: time.Now}
}

// Update computes the RMS level of one PCM16LE chunk, updates voice/silence
// state, and returns the level in 0..1.
func (g *Gate) Update(pcm []byte) float64 {
	level := rms(pcm)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.level = level
	now := g.now()
	if level > g.threshold {
		g.speaking = true
		g.lastVoiceAt = now
		g.silenceStartedAt = time.Time{}
	} else {
		if g.speaking || g.silenceStartedAt.IsZero() {
			g.silenceStartedAt = now
		}
		g.speaking = false
	}
	return level
}

// Level returns the most recent RMS level.
func (g *Gate) Level() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// Speaking reports whether the last chunk was above the voice threshold.
func (g *Gate) Speaking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speaking
}

// LastVoiceAt returns when voice was last detected (zero if never).
func (g *Gate) LastVoiceAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastVoiceAt
}

// SilenceDuration returns how long the signal has been below threshold,
// or zero while speaking.
func (g *Gate) SilenceDuration() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.speaking || g.silenceStartedAt.IsZero() {
		return 0
	}
	return g.now().Sub(g.silenceStartedAt)
}

// rms computes the root-mean-square of PCM16LE bytes, normalized to 0..1.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
