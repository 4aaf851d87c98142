package memory

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the long-term memory file. Entries append as markdown sections:
//
//	## [category] 2026-01-02T15:04:05Z
//	content
//
// The file is never rewritten; recall scans it on demand.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Entry is one recalled memory section.
type Entry struct {
	Category  string
	Timestamp time.Time
	Content   string
}

// Append records a memory entry.
func (s *Store) Append(category, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	ts := time.Now().UTC().Format(time.RFC3339)
	_, err = fmt.Fprintf(f, "\n## [%s] %s\n%s\n", category, ts, strings.TrimSpace(content))
	return err
}

var headerRe = regexp.MustCompile(`^## \[([^\]]+)\] (\S+)\s*$`)

// Load parses every entry from the memory file.
func (s *Store) Load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	var current *Entry
	var body []string

	flush := func() {
		if current != nil {
			current.Content = strings.TrimSpace(strings.Join(body, "\n"))
			entries = append(entries, *current)
		}
		current = nil
		body = nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := headerRe.FindStringSubmatch(line); m != nil {
			flush()
			ts, _ := time.Parse(time.RFC3339, m[2])
			current = &Entry{Category: m[1], Timestamp: ts}
			continue
		}
		if current != nil {
			body = append(body, line)
		}
	}
	flush()
	return entries, scanner.Err()
}

// Recall returns entries relevant to the query, scored by keyword overlap,
// most relevant first. Ties break toward newer entries.
func (s *Store) Recall(query string, limit int) ([]Entry, error) {
	entries, err := s.Load()
	if err != nil {
		return nil, err
	}

	keywords := queryKeywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	type scored struct {
		entry Entry
		score int
	}
	var hits []scored
	for _, e := range entries {
		text := strings.ToLower(e.Category + " " + e.Content)
		score := 0
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{e, score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].entry.Timestamp.After(hits[j].entry.Timestamp)
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Entry, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return out, nil
}

// stopwords excluded from relevance matching.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "is": true, "are": true,
	"was": true, "it": true, "this": true, "that": true, "with": true,
	"what": true, "how": true, "can": true, "you": true, "me": true, "my": true,
	"do": true, "does": true, "about": true, "please": true,
}

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

func queryKeywords(query string) []string {
	var out []string
	for _, w := range wordRe.FindAllString(strings.ToLower(query), -1) {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}
