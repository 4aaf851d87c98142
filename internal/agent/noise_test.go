package agent

import "testing"

func TestNoiseFilterVerdicts(t *testing.T) {
	f := NewNoiseFilter()

	tests := []struct {
		message    string
		weight     float64
		wantNoise  bool
		wantReason string
	}{
		{"", 0, true, NoiseEmpty},
		{"ok", 0.3, true, NoiseTooShort},
		{"thanks", 0.1, true, NoisePatternMatch},
		{"hello there friend", 0.05, true, NoiseLowWeight},
		{"deploy the release to production", 0.8, false, ""},
		{"k?", 0.3, false, ""}, // questions survive the length gate
	}
	for _, tt := range tests {
		v := f.Filter(tt.message, Signal{Weight: tt.weight})
		if v.Noise != tt.wantNoise || v.Reason != tt.wantReason {
			t.Errorf("Filter(%q) = {%v %q}, want {%v %q}", tt.message, v.Noise, v.Reason, tt.wantNoise, tt.wantReason)
		}
	}
}

func TestNoiseFilterAcks(t *testing.T) {
	f := NewNoiseFilter()

	tests := []struct {
		reason  string
		message string
		want    string
	}{
		{NoiseEmpty, "", ""},
		{NoiseTooShort, "ok", "👍"},
		{NoisePatternMatch, "thanks!", "👍"},
		{NoisePatternMatch, "hello", "Got it."},
		{NoiseLowWeight, "whatever", "Noted."},
	}
	for _, tt := range tests {
		if got := f.Ack(tt.reason, tt.message); got != tt.want {
			t.Errorf("Ack(%s, %q) = %q, want %q", tt.reason, tt.message, got, tt.want)
		}
	}
}
