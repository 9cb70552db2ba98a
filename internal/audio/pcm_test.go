package audio

import (
	"math"
	"testing"
)

func TestFloatToPCM16_Asymmetric(t *testing.T) {
	samples := []float32{0, 1, -1, 0.5, -0.5}
	pcm := FloatToPCM16(samples)

	expected := []int16{0, 32767, -32768, 16383, -16384}
	for i, want := range expected {
		if pcm[i] != want {
			t.Errorf("Sample %d: expected %d, got %d", i, want, pcm[i])
		}
	}
}

func TestFloatToPCM16_Clamps(t *testing.T) {
	pcm := FloatToPCM16([]float32{2.5, -3, float32(math.NaN())})
	if pcm[0] != 32767 {
		t.Errorf("Expected positive overflow to clamp to 32767, got %d", pcm[0])
	}
	if pcm[1] != -32768 {
		t.Errorf("Expected negative overflow to clamp to -32768, got %d", pcm[1])
	}
	if pcm[2] != 0 {
		t.Errorf("Expected NaN to map to 0, got %d", pcm[2])
	}
}

func TestPCM16ToFloat(t *testing.T) {
	out := PCM16ToFloat([]int16{0, 16384, -32768})
	if out[0] != 0 {
		t.Errorf("Expected 0, got %f", out[0])
	}
	if out[1] != 0.5 {
		t.Errorf("Expected 0.5, got %f", out[1])
	}
	if out[2] != -1 {
		t.Errorf("Expected -1, got %f", out[2])
	}
}

func TestRoundTrip_QuantizationError(t *testing.T) {
	inputs := []float32{0.5, -0.5, 0.3, -0.75, -0.001, 0.123456}
	step := 1.0 / 32768.0

	for _, x := range inputs {
		back := PCM16ToFloat(FloatToPCM16([]float32{x}))[0]
		diff := math.Abs(float64(back) - float64(x))
		if diff > step {
			t.Errorf("Round trip of %f gave %f (error %g exceeds %g)", x, back, diff, step)
		}
	}
}

func TestEncodeDecodePCM16LE(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767, -32768}
	data := EncodePCM16LE(samples)

	if len(data) != len(samples)*2 {
		t.Fatalf("Expected %d bytes, got %d", len(samples)*2, len(data))
	}
	// 1000 = 0x03E8 little-endian
	if data[2] != 0xE8 || data[3] != 0x03 {
		t.Errorf("Expected little-endian bytes E8 03, got %X %X", data[2], data[3])
	}

	decoded, err := DecodePCM16LE(data)
	if err != nil {
		t.Fatalf("DecodePCM16LE failed: %v", err)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestDecodePCM16LE_OddLength(t *testing.T) {
	_, err := DecodePCM16LE([]byte{1, 2, 3})
	if err == nil {
		t.Error("Expected error for odd length PCM data")
	}
}

func TestPCMBytesToFloat_IgnoresTrailingByte(t *testing.T) {
	out := PCMBytesToFloat([]byte{0x00, 0x40, 0x7F})
	if len(out) != 1 {
		t.Fatalf("Expected 1 sample, got %d", len(out))
	}
	if out[0] != 0.5 {
		t.Errorf("Expected 0.5, got %f", out[0])
	}
}

func TestResample(t *testing.T) {
	samples := make([]float32, 4800) // 0.1 seconds at 48kHz
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 10))
	}

	out := Resample(samples, 48000, InputSampleRate)

	expectedLen := 1600
	tolerance := 5
	if len(out) < expectedLen-tolerance || len(out) > expectedLen+tolerance {
		t.Errorf("Expected resampled length around %d, got %d", expectedLen, len(out))
	}
}

func TestResample_SameRate(t *testing.T) {
	samples := []float32{0.1, 0.2, 0.3}
	out := Resample(samples, 16000, 16000)
	if len(out) != len(samples) {
		t.Errorf("Expected unchanged length %d, got %d", len(samples), len(out))
	}
}

func TestParseSampleRate(t *testing.T) {
	if rate := ParseSampleRate("audio/pcm;rate=24000", 16000); rate != 24000 {
		t.Errorf("Expected 24000, got %d", rate)
	}
	if rate := ParseSampleRate("audio/pcm; rate=8000", 16000); rate != 8000 {
		t.Errorf("Expected 8000, got %d", rate)
	}
	if rate := ParseSampleRate("audio/pcm", OutputSampleRate); rate != OutputSampleRate {
		t.Errorf("Expected fallback %d, got %d", OutputSampleRate, rate)
	}
	if rate := ParseSampleRate("audio/pcm;rate=abc", 16000); rate != 16000 {
		t.Errorf("Expected fallback 16000, got %d", rate)
	}
}

func TestCalculateRMS(t *testing.T) {
	samples := []int16{1000, -1000, 2000, -2000}
	rms := CalculateRMS(samples)

	// sqrt((1000^2 + 1000^2 + 2000^2 + 2000^2) / 4)
	expected := 1581.14
	tolerance := 1.0

	if rms < expected-tolerance || rms > expected+tolerance {
		t.Errorf("Expected RMS around %.2f, got %.2f", expected, rms)
	}
	if CalculateRMS(nil) != 0 {
		t.Error("Expected RMS of empty slice to be 0")
	}
}
