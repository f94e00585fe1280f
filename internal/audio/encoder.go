package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoder converts raw interleaved frames of any rate and channel count into
// PCM16LE mono at the target sample rate. Channels are averaged, not summed,
// so downmix can never clip. Resampling is linear interpolation between the
// two nearest source samples; fractional position and the last sample carry
// over between calls so chunk boundaries introduce no discontinuity.
//
// An Encoder is bound to one source stream and is not safe for concurrent use.
type Encoder struct {
	targetRate int

	prev   int16
	primed bool
	pos    float64
}

// NewEncoder creates an encoder producing mono PCM16LE at targetRate Hz.
func NewEncoder(targetRate int) *Encoder {
	return &Encoder{targetRate: targetRate}
}

// Encode converts one frame of interleaved samples to PCM16LE bytes.
// The output length depends on the rate ratio and prior carried state,
// not on the input length alone.
func (e *Encoder) Encode(samples []int16, srcRate, srcChannels int) ([]byte, error) {
	if srcRate <= 0 {
		return nil, fmt.Errorf("invalid source sample rate: %d", srcRate)
	}
	if srcChannels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", srcChannels)
	}
	if len(samples)%srcChannels != 0 {
		return nil, fmt.Errorf("sample count %d not divisible by %d channels", len(samples), srcChannels)
	}

	mono := downmix(samples, srcChannels)

	if srcRate != e.targetRate {
		mono = e.resample(mono, srcRate)
	}

	out := make([]byte, len(mono)*2)
	for i, s := range mono {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

// downmix averages interleaved channels into mono.
func downmix(samples []int16, channels int) []int16 {
	if channels == 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// resample converts mono samples from srcRate to the target rate.
// The virtual input stream places the carried previous sample at index 0
// and this call's samples at 1..len(mono); e.pos is the read position into
// that stream and stays in [0, step) between calls.
func (e *Encoder) resample(mono []int16, srcRate int) []int16 {
	if len(mono) == 0 {
		return nil
	}
	if !e.primed {
		e.prev = mono[0]
		e.primed = true
		e.pos = 0
	}

	step := float64(srcRate) / float64(e.targetRate)
	out := make([]int16, 0, int(float64(len(mono))/step)+2)

	at := func(k int) int16 {
		if k == 0 {
			return e.prev
		}
		return mono[k-1]
	}

	pos := e.pos
	for int(pos)+1 <= len(mono) {
		k := int(pos)
		frac := pos - float64(k)
		s0 := float64(at(k))
		s1 := float64(at(k + 1))
		out = append(out, int16(math.Round(s0+(s1-s0)*frac)))
		pos += step
	}

	// Shift the virtual origin to this call's last sample.
	e.prev = mono[len(mono)-1]
	e.pos = pos - float64(len(mono))

	return out
}
