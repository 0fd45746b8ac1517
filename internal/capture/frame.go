package capture

import (
	"encoding/binary"
	"math"
)

// Frame is one hardware buffer period of converted audio: mono float32
// samples in the range [-1, 1). Ownership transfers to the delivery
// channel on enqueue.
type Frame struct {
	Samples []float32
}

// FrameCount returns the number of samples in the frame.
func (f Frame) FrameCount() int {
	return len(f.Samples)
}

// Bytes encodes the samples as little-endian float32 PCM, the payload
// format handed to consumers that want raw bytes.
func (f Frame) Bytes() []byte {
	buf := make([]byte, len(f.Samples)*4)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

// DownmixInt16Stereo converts frames of little-endian interleaved 16-bit
// stereo PCM into mono float32 by averaging the two channels. Pure and
// deterministic: the full int16 range maps into [-1, 1) without clamping.
// raw must hold at least frames*4 bytes.
func DownmixInt16Stereo(raw []byte, frames int) []float32 {
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		left := int16(binary.LittleEndian.Uint16(raw[i*4:]))
		right := int16(binary.LittleEndian.Uint16(raw[i*4+2:]))
		out[i] = (float32(left)/32768 + float32(right)/32768) * 0.5
	}
	return out
}
