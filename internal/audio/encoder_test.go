package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestEncodeIdentity(t *testing.T) {
	// 16kHz mono in, 16kHz mono out: no interpolation, byte-identical.
	enc := NewEncoder(16000)
	in := []int16{0, 100, -100, 32767, -32768, 12345, -12345, 1}

	out, err := enc.Encode(in, 16000, 1)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(out, pcmBytes(in)) {
		t.Errorf("identity encode not byte-identical: got %v, want %v", out, pcmBytes(in))
	}

	// A second call must also be identical (no state bleed at ratio 1).
	out2, err := enc.Encode(in, 16000, 1)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(out2, pcmBytes(in)) {
		t.Errorf("second identity encode not byte-identical")
	}
}

func TestDownmixAverages(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		channels int
		want     []int16
	}{
		{"stereo simple", []int16{100, 200, -100, -200}, 2, []int16{150, -150}},
		{"stereo full scale", []int16{32767, 32767, -32768, -32768}, 2, []int16{32767, -32768}},
		{"mono passthrough", []int16{1, 2, 3}, 1, []int16{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := NewEncoder(16000)
			out, err := enc.Encode(tt.samples, 16000, tt.channels)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if !bytes.Equal(out, pcmBytes(tt.want)) {
				t.Errorf("got %v, want %v", out, pcmBytes(tt.want))
			}
		})
	}
}

func TestEncodeRejectsBadInput(t *testing.T) {
	enc := NewEncoder(16000)
	if _, err := enc.Encode([]int16{1, 2, 3}, 16000, 2); err == nil {
		t.Error("expected error for sample count not divisible by channels")
	}
	if _, err := enc.Encode([]int16{1}, 0, 1); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if _, err := enc.Encode([]int16{1}, 16000, 0); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestResampleHalvesRate(t *testing.T) {
	enc := NewEncoder(16000)
	in := make([]int16, 3200) // 100ms at 32kHz
	for i := range in {
		in[i] = int16(i % 1000)
	}

	out, err := enc.Encode(in, 32000, 1)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got := len(out) / 2
	want := 1600 // 100ms at 16kHz
	if got < want-2 || got > want+2 {
		t.Errorf("got %d output samples, want ~%d", got, want)
	}
}

func TestResampleStatePersistsAcrossChunks(t *testing.T) {
	// Feeding the same input whole or split in two must produce the same
	// output stream: no discontinuity or padding at the chunk boundary.
	in := make([]int16, 4800)
	for i := range in {
		in[i] = int16((i*37)%2000 - 1000)
	}

	whole := NewEncoder(16000)
	wantOut, err := whole.Encode(in, 48000, 1)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	split := NewEncoder(16000)
	part1, err := split.Encode(in[:1333], 48000, 1)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	part2, err := split.Encode(in[1333:], 48000, 1)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	gotOut := append(append([]byte{}, part1...), part2...)
	if !bytes.Equal(gotOut, wantOut) {
		t.Errorf("split encode diverged from whole encode: got %d bytes, want %d bytes", len(gotOut), len(wantOut))
	}
}

func TestResampleUpsamples(t *testing.T) {
	enc := NewEncoder(16000)
	in := make([]int16, 800) // 100ms at 8kHz
	for i := range in {
		in[i] = int16(i)
	}

	out, err := enc.Encode(in, 8000, 1)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got := len(out) / 2
	want := 1600
	if got < want-2 || got > want+2 {
		t.Errorf("got %d output samples, want ~%d", got, want)
	}
}
