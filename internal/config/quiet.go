package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietRange is a time-of-day window during which heartbeat work is
// suppressed. Ranges may cross midnight (start > end).
type QuietRange struct {
	StartHour, StartMin int
	EndHour, EndMin     int
}

// ParseQuietHours parses "HH:MM-HH:MM[,HH:MM-HH:MM]".
func ParseQuietHours(s string) ([]QuietRange, error) {
	var ranges []QuietRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bounds := strings.SplitN(part, "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("invalid range %q", part)
		}
		sh, sm, err := parseHHMM(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", part, err)
		}
		eh, em, err := parseHHMM(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", part, err)
		}
		ranges = append(ranges, QuietRange{StartHour: sh, StartMin: sm, EndHour: eh, EndMin: em})
	}
	return ranges, nil
}

func parseHHMM(s string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour %q", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute %q", parts[1])
	}
	return h, m, nil
}

// Contains reports whether t falls inside the range. The interval is
// closed-open [start, end); when start > end the range wraps midnight.
func (r QuietRange) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	start := r.StartHour*60 + r.StartMin
	end := r.EndHour*60 + r.EndMin

	if start == end {
		return false
	}
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// InQuietHours reports whether t falls inside any configured quiet range.
func InQuietHours(ranges []QuietRange, t time.Time) bool {
	for _, r := range ranges {
		if r.Contains(t) {
			return true
		}
	}
	return false
}
