// Package audio provides capture, encoding, and voice-activity metering
// for the transcription pipeline.
package audio

import "time"

// SourceLabel identifies which capture device produced a chunk.
type SourceLabel string

const (
	SourceMic    SourceLabel = "mic"
	SourceSystem SourceLabel = "system"
)

// Chunk is one encoded unit of audio: PCM16LE mono at the target sample rate,
// labeled with its source, a per-source monotonic sequence number, and the
// capture time. Chunks are handed to exactly one session and never reused.
type Chunk struct {
	PCM        []byte
	Source     SourceLabel
	Seq        int64
	CapturedAt time.Time
}

// Frame is one block of raw interleaved samples as read from a device.
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}
