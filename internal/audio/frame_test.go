package audio

import (
	"math"
	"testing"
)

func TestDecodePCM16Range(t *testing.T) {
	// int16 min, -1, 0, 1, max
	pcm := []byte{0x00, 0x80, 0xFF, 0xFF, 0x00, 0x00, 0x01, 0x00, 0xFF, 0x7F}
	samples := DecodePCM16(pcm)

	if len(samples) != 5 {
		t.Fatalf("got %d samples, want 5", len(samples))
	}
	if samples[0] != -1.0 {
		t.Errorf("min sample = %v, want -1", samples[0])
	}
	if samples[2] != 0 {
		t.Errorf("zero sample = %v, want 0", samples[2])
	}
	if samples[4] <= 0.99 || samples[4] > 1.0 {
		t.Errorf("max sample = %v, want ~1", samples[4])
	}
}

func TestDecodePCM16OddLength(t *testing.T) {
	samples := DecodePCM16([]byte{0x01, 0x00, 0x7F})
	if len(samples) != 1 {
		t.Errorf("got %d samples, want 1 (trailing byte ignored)", len(samples))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float64{0, 0.5, -0.5, 0.25, -0.999}
	out := DecodePCM16(EncodePCM16(in))

	if len(out) != len(in) {
		t.Fatalf("got %d samples, want %d", len(out), len(in))
	}
	for i := range in {
		if math.Abs(out[i]-in[i]) > 1e-3 {
			t.Errorf("sample %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		want    float64
	}{
		{"empty", nil, 0},
		{"silence", []float64{0, 0, 0, 0}, 0},
		{"unit", []float64{1, -1, 1, -1}, 1},
		{"half", []float64{0.5, -0.5}, 0.5},
	}

	for _, tt := range tests {
		if got := RMS(tt.samples); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: RMS = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNewFrameCopies(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	f := NewFrame("client-1", data)
	data[0] = 99

	if f.PCM[0] != 1 {
		t.Error("frame aliases caller buffer")
	}
	if f.ClientID != "client-1" {
		t.Errorf("client id = %q", f.ClientID)
	}
	if f.Samples() != 2 {
		t.Errorf("samples = %d, want 2", f.Samples())
	}
	if f.ReceivedAt.IsZero() {
		t.Error("missing arrival timestamp")
	}
}
