package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodePCM16 converts float samples to signed 16-bit little-endian PCM.
// Samples are clamped to [-1, 1] and scaled by 32767.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(sample)))
	}
	return out
}

// DecodePCM16 converts signed 16-bit little-endian PCM back to float samples
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (got %d bytes)", len(data))
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(v) / 32767
	}
	return samples, nil
}

func floatToInt16(sample float32) int16 {
	v := float64(sample)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * 32767)
}
