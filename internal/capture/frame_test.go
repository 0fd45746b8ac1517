package capture

import (
	"encoding/binary"
	"math"
	"testing"
)

// int16LE packs samples as little-endian bytes, the raw hardware layout.
func int16LE(samples ...int16) []byte {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return raw
}

func TestDownmixKnownValues(t *testing.T) {
	// Frame 0: silence. Frame 1: full-scale positive left, full-scale
	// negative right.
	raw := int16LE(0, 0, 32767, -32768)

	got := DownmixInt16Stereo(raw, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}

	if got[0] != 0.0 {
		t.Errorf("expected silence to stay 0, got %f", got[0])
	}

	want := (float32(32767)/32768 + float32(-32768)/32768) * 0.5
	if got[1] != want {
		t.Errorf("expected %g, got %g", want, got[1])
	}
}

func TestDownmixSilence(t *testing.T) {
	for _, frames := range []int{1, 7, 512} {
		raw := make([]byte, frames*4)
		got := DownmixInt16Stereo(raw, frames)
		if len(got) != frames {
			t.Fatalf("frames=%d: expected %d samples, got %d", frames, frames, len(got))
		}
		for i, s := range got {
			if s != 0 {
				t.Fatalf("frames=%d: sample %d is %f, expected 0", frames, i, s)
			}
		}
	}
}

func TestDownmixStaysInRange(t *testing.T) {
	corners := []int16{-32768, -32767, -1, 0, 1, 32766, 32767}
	for _, l := range corners {
		for _, r := range corners {
			got := DownmixInt16Stereo(int16LE(l, r), 1)
			s := got[0]
			if math.IsNaN(float64(s)) {
				t.Fatalf("l=%d r=%d: produced NaN", l, r)
			}
			if s < -1.0 || s > 1.0 {
				t.Fatalf("l=%d r=%d: %f outside [-1, 1]", l, r, s)
			}
		}
	}
}

func TestDownmixOutputLength(t *testing.T) {
	// Extra trailing bytes beyond frameCount must be ignored.
	raw := int16LE(100, 200, 300, 400, 500, 600)
	got := DownmixInt16Stereo(raw, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestFrameBytes(t *testing.T) {
	frame := Frame{Samples: []float32{0.5, -1.0}}
	raw := frame.Bytes()
	if len(raw) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(raw))
	}
	for i, want := range frame.Samples {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		if got := math.Float32frombits(bits); got != want {
			t.Errorf("sample %d: expected %f, got %f", i, want, got)
		}
	}
}
