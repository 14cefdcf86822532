package audio

import (
	"encoding/base64"
	"math"
	"testing"
)

func TestFloatToPCM16_Clamps(t *testing.T) {
	tests := []struct {
		name     string
		in       float32
		expected int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"over positive", 1.7, 32767},
		{"full negative", -1, -32768},
		{"over negative", -3, -32768},
		{"half positive", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"nan", float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FloatToPCM16(tt.in); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestPCM16ToFloat(t *testing.T) {
	if got := PCM16ToFloat(-32768); got != -1 {
		t.Errorf("Expected -1, got %v", got)
	}
	if got := PCM16ToFloat(16384); got != 0.5 {
		t.Errorf("Expected 0.5, got %v", got)
	}
}

func TestEncodePCM16LE(t *testing.T) {
	data := EncodePCM16LE([]int16{1, -1, 0x1234})
	expected := []byte{0x01, 0x00, 0xFF, 0xFF, 0x34, 0x12}

	if len(data) != len(expected) {
		t.Fatalf("Expected %d bytes, got %d", len(expected), len(data))
	}
	for i := range expected {
		if data[i] != expected[i] {
			t.Errorf("Byte %d: expected 0x%02X, got 0x%02X", i, expected[i], data[i])
		}
	}
}

func TestDecodePCM16LE_OddLength(t *testing.T) {
	if _, err := DecodePCM16LE([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for odd-length PCM data")
	}
}

func TestDecodeFloat32LE(t *testing.T) {
	bits := math.Float32bits(0.25)
	data := []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24), 0xAA}

	samples := DecodeFloat32LE(data)
	if len(samples) != 1 {
		t.Fatalf("Expected 1 sample, got %d", len(samples))
	}
	if samples[0] != 0.25 {
		t.Errorf("Expected 0.25, got %v", samples[0])
	}
}

func TestEncodeDecodeFrame(t *testing.T) {
	encoded := EncodeFrame([]int16{0, 16384, -16384})

	samples, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeFrame() failed: %v", err)
	}
	expected := []float32{0, 0.5, -0.5}
	for i := range expected {
		if samples[i] != expected[i] {
			t.Errorf("Sample %d: expected %v, got %v", i, expected[i], samples[i])
		}
	}
}

func TestDecodeFrame_Invalid(t *testing.T) {
	if _, err := DecodeFrame("not base64!!"); err == nil {
		t.Error("Expected error for invalid base64")
	}

	odd := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	if _, err := DecodeFrame(odd); err == nil {
		t.Error("Expected error for odd-length payload")
	}
}

func TestCalculateRMS(t *testing.T) {
	rms := CalculateRMS([]int16{1000, -1000, 1000, -1000})
	if math.Abs(rms-1000) > 0.01 {
		t.Errorf("Expected RMS 1000, got %f", rms)
	}
}

func TestCalculateRMS_Empty(t *testing.T) {
	if rms := CalculateRMS(nil); rms != 0 {
		t.Errorf("Expected RMS 0 for empty samples, got %f", rms)
	}
}
