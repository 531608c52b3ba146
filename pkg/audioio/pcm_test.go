package audioio

import (
	"math"
	"testing"
)

func TestResample(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		from, to int
		wantLen  int
	}{
		{"same rate passthrough", []int16{1, 2, 3, 4}, 24000, 24000, 4},
		{"halve", []int16{100, 200, 300, 400, 500, 600, 700, 800}, 48000, 24000, 4},
		{"upsample 16k to 24k", []int16{100, 200, 300, 400}, 16000, 24000, 6},
		{"empty", nil, 16000, 24000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resample(tt.in, tt.from, tt.to)
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestResampleInterpolates(t *testing.T) {
	// A linear ramp should stay a ramp at any rate.
	in := make([]int16, 100)
	for i := range in {
		in[i] = int16(i * 100)
	}
	out := Resample(in, 16000, 24000)
	for i := 1; i < len(out)-1; i++ {
		if out[i] < out[i-1] {
			t.Fatalf("output not monotonic at %d: %d then %d", i, out[i-1], out[i])
		}
	}
}

func TestSamplesBytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	out := BytesToSamples(SamplesToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestBytesToSamplesLittleEndian(t *testing.T) {
	// 0x0201 little-endian is 513.
	samples := BytesToSamples([]byte{0x01, 0x02})
	if len(samples) != 1 || samples[0] != 513 {
		t.Errorf("got %v, want [513]", samples)
	}
}

func TestResampleBytes(t *testing.T) {
	in := SamplesToBytes(make([]int16, 480))
	out := ResampleBytes(in, 24000, 16000)
	if len(out) != 320*2 {
		t.Errorf("len = %d, want %d", len(out), 320*2)
	}

	same := ResampleBytes(in, 24000, 24000)
	if len(same) != len(in) {
		t.Errorf("passthrough changed length: %d != %d", len(same), len(in))
	}
}

func TestCalculateRMS(t *testing.T) {
	if rms := CalculateRMS([]int16{0, 0, 0, 0}); rms != 0 {
		t.Errorf("silence RMS = %f, want 0", rms)
	}
	if rms := CalculateRMS(nil); rms != 0 {
		t.Errorf("empty RMS = %f, want 0", rms)
	}

	full := []int16{32767, -32767, 32767, -32767}
	if rms := CalculateRMS(full); math.Abs(rms-1.0) > 0.001 {
		t.Errorf("full scale RMS = %f, want ~1.0", rms)
	}

	half := []int16{16384, -16384, 16384, -16384}
	if rms := CalculateRMS(half); math.Abs(rms-0.5) > 0.01 {
		t.Errorf("half scale RMS = %f, want ~0.5", rms)
	}
}

func BenchmarkResample16to24(b *testing.B) {
	in := make([]int16, 320)
	for i := range in {
		in[i] = int16(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Resample(in, 16000, 24000)
	}
}
