package audioio

import (
	"encoding/binary"
	"math"
)

// Resample converts PCM16 samples between rates by linear
// interpolation. Good enough for speech; music would want a proper
// filter.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	step := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / step)
	if outLen == 0 {
		return []int16{}
	}

	out := make([]int16, outLen)
	pos := 0.0
	for i := range out {
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
		} else {
			frac := pos - float64(idx)
			a := float64(samples[idx])
			b := float64(samples[idx+1])
			out[i] = int16(a + frac*(b-a))
		}
		pos += step
	}
	return out
}

// ResampleBytes resamples raw little-endian PCM16 bytes.
func ResampleBytes(data []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return data
	}
	return SamplesToBytes(Resample(BytesToSamples(data), fromRate, toRate))
}

// BytesToSamples decodes little-endian PCM16 bytes.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian PCM16 bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// CalculateRMS returns the root mean square level of the samples,
// normalized to 0..1 where 1 is full scale.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(samples))) / 32767
}
