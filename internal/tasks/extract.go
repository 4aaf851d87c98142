package tasks

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/osagent/osa/internal/bus"
)

const (
	minExtracted   = 3
	maxExtracted   = 20
	minTitleLength = 5
	maxTitleLength = 120
)

var (
	numberedRe = regexp.MustCompile(`^\s*\d+\.\s+(.+)$`)
	checkboxRe = regexp.MustCompile(`^\s*- \[[ x]\]\s+(.+)$`)
)

// ExtractFromResponse seeds the session's task list from a plan-shaped
// assistant response. It only fires when the session has no tasks yet and
// the response carries at least three plausible items, so ordinary prose
// never becomes a task list.
func (t *Tracker) ExtractFromResponse(sessionID, content string) int {
	if len(t.Get(sessionID)) > 0 {
		return 0
	}

	titles := parseTaskLines(content)
	if len(titles) < minExtracted {
		return 0
	}
	if len(titles) > maxExtracted {
		titles = titles[:maxExtracted]
	}

	added, err := t.AddMany(sessionID, titles)
	if err != nil {
		return 0
	}
	return len(added)
}

func parseTaskLines(content string) []string {
	seen := make(map[string]bool)
	var titles []string
	for _, line := range strings.Split(content, "\n") {
		var title string
		if m := numberedRe.FindStringSubmatch(line); m != nil {
			title = m[1]
		} else if m := checkboxRe.FindStringSubmatch(line); m != nil {
			title = m[1]
		} else {
			continue
		}
		title = strings.TrimSpace(strings.TrimRight(title, " .*"))
		n := utf8.RuneCountInString(title)
		if n < minTitleLength || n > maxTitleLength {
			continue
		}
		key := strings.ToLower(title)
		if seen[key] {
			continue
		}
		seen[key] = true
		titles = append(titles, title)
	}
	return titles
}

// WatchResponses wires auto-extraction to agent responses on the bus.
func (t *Tracker) WatchResponses(b *bus.Bus) {
	b.Subscribe("task-extractor", func(ev bus.Event) {
		content, _ := ev.Payload["content"].(string)
		if ev.SessionID == "" || content == "" {
			return
		}
		t.ExtractFromResponse(ev.SessionID, content)
	}, bus.KindAgentResponse)
}
