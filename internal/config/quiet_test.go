package config

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
}

func TestParseQuietHours(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "single", input: "22:00-06:00", want: 1},
		{name: "multiple", input: "12:00-13:00,22:30-06:15", want: 2},
		{name: "spaces", input: " 09:00-10:00 ", want: 1},
		{name: "bad hour", input: "25:00-06:00", wantErr: true},
		{name: "bad shape", input: "22:00", wantErr: true},
		{name: "empty", input: "", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseQuietHours(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d ranges, want %d", len(got), tt.want)
			}
		})
	}
}

func TestQuietRangeContains(t *testing.T) {
	overnight := QuietRange{StartHour: 22, EndHour: 6}

	tests := []struct {
		name string
		r    QuietRange
		t    time.Time
		want bool
	}{
		{"inside simple", QuietRange{StartHour: 12, EndHour: 13}, at(12, 30), true},
		{"start inclusive", QuietRange{StartHour: 12, EndHour: 13}, at(12, 0), true},
		{"end exclusive", QuietRange{StartHour: 12, EndHour: 13}, at(13, 0), false},
		{"before", QuietRange{StartHour: 12, EndHour: 13}, at(11, 59), false},
		{"overnight late", overnight, at(23, 0), true},
		{"overnight early", overnight, at(2, 0), true},
		{"overnight start", overnight, at(22, 0), true},
		{"overnight end", overnight, at(6, 0), false},
		{"overnight midday", overnight, at(12, 0), false},
		{"degenerate", QuietRange{StartHour: 5, EndHour: 5}, at(5, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Contains(tt.t); got != tt.want {
				t.Errorf("Contains(%02d:%02d) = %v, want %v", tt.t.Hour(), tt.t.Minute(), got, tt.want)
			}
		})
	}
}

func TestApplyEnvFallbackChain(t *testing.T) {
	t.Setenv("OSA_FALLBACK_CHAIN", "anthropic, openai ,local")
	t.Setenv("OSA_DAILY_BUDGET_USD", "2.5")
	t.Setenv("OSA_PLAN_MODE", "true")

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		t.Fatal(err)
	}

	want := []string{"anthropic", "openai", "local"}
	if len(cfg.Providers.FallbackChain) != len(want) {
		t.Fatalf("chain = %v", cfg.Providers.FallbackChain)
	}
	for i := range want {
		if cfg.Providers.FallbackChain[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, cfg.Providers.FallbackChain[i], want[i])
		}
	}
	if cfg.Budget.DailyLimitUSD != 2.5 {
		t.Errorf("daily = %v", cfg.Budget.DailyLimitUSD)
	}
	if !cfg.Agent.PlanMode {
		t.Error("plan mode not enabled")
	}
}
