package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// Stream formats on the wire. Both directions are mono PCM16LE.
const (
	CaptureSampleRate  = 16000
	PlaybackSampleRate = 24000
	BytesPerSample     = 2
)

// FloatToPCM16 converts a normalized sample to signed 16-bit,
// clamping anything outside [-1, 1].
func FloatToPCM16(sample float32) int16 {
	if sample != sample { // NaN
		return 0
	}
	if sample >= 1 {
		return math.MaxInt16
	}
	if sample <= -1 {
		return math.MinInt16
	}
	if sample < 0 {
		return int16(sample * 32768)
	}
	return int16(sample * 32767)
}

// PCM16ToFloat converts a signed 16-bit sample to the [-1, 1) range.
func PCM16ToFloat(sample int16) float32 {
	return float32(sample) / 32768
}

// EncodePCM16LE serializes samples as little-endian 16-bit PCM.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16LE parses little-endian 16-bit PCM.
func DecodePCM16LE(data []byte) ([]int16, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}

	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// DecodeFloat32LE parses little-endian IEEE-754 float samples.
// A trailing partial sample is ignored.
func DecodeFloat32LE(data []byte) []float32 {
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}

// EncodeFrame turns captured samples into the base64 PCM16LE payload
// carried in a media chunk.
func EncodeFrame(samples []int16) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16LE(samples))
}

// DecodeFrame turns a base64 PCM16LE payload into normalized float samples.
func DecodeFrame(b64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 audio: %w", err)
	}

	pcm, err := DecodePCM16LE(raw)
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = PCM16ToFloat(s)
	}
	return out, nil
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
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
