package audio

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Wire format constants for the speech endpoint
const (
	InputSampleRate  = 16000 // Microphone audio sent upstream
	OutputSampleRate = 24000 // Default rate of audio returned by the endpoint
	InputMIMEType    = "audio/pcm;rate=16000"
)

// FloatToPCM16 converts normalized float samples to 16-bit signed PCM.
// Samples are clamped to [-1, 1]. Negative values scale by 0x8000 and
// non-negative values by 0x7FFF, which is what the endpoint expects.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		if v < 0 {
			out[i] = int16(v * 0x8000)
		} else {
			out[i] = int16(v * 0x7FFF)
		}
	}
	return out
}

// PCM16ToFloat converts 16-bit signed PCM back to normalized floats (x / 32768)
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// EncodePCM16LE packs samples as little-endian bytes
func EncodePCM16LE(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(uint16(s) >> 8)
	}
	return data
}

// DecodePCM16LE unpacks little-endian 16-bit samples
func DecodePCM16LE(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return samples, nil
}

// PCMBytesToFloat decodes a received PCM16LE buffer into playable floats.
// A trailing odd byte is ignored rather than rejecting the whole buffer.
func PCMBytesToFloat(data []byte) []float32 {
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	samples, _ := DecodePCM16LE(data)
	return PCM16ToFloat(samples)
}

// Resample performs simple linear interpolation resampling
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]float32, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = float32(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// ParseSampleRate extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". It returns fallback when no rate is present.
func ParseSampleRate(mimeType string, fallback int) int {
	for _, param := range strings.Split(mimeType, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "rate") {
			continue
		}
		rate, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil && rate > 0 {
			return rate
		}
	}
	return fallback
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
