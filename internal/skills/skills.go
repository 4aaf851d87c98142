package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/osagent/osa/internal/bus"
)

// Skill is a reusable capability definition: instructions the agent can
// pull into context plus the tools the skill expects.
type Skill struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Instructions string            `json:"instructions"`
	Tools        []string          `json:"tools,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"` // name → description
	CreatedAt    time.Time         `json:"created_at"`
}

// relevanceThreshold is the match score above which an existing skill
// short-circuits creation of a near-duplicate.
const relevanceThreshold = 0.5

// Registry holds skill definitions backed by JSON files in a directory.
type Registry struct {
	mu     sync.RWMutex
	dir    string
	bus    *bus.Bus
	skills map[string]Skill
}

func NewRegistry(dir string, b *bus.Bus) *Registry {
	return &Registry{dir: dir, bus: b, skills: make(map[string]Skill)}
}

// Load reads every skill file from the directory. Unparseable files are
// skipped.
func (r *Registry) Load() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	loaded := make(map[string]Skill)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			continue
		}
		var s Skill
		if err := json.Unmarshal(data, &s); err != nil || s.Name == "" {
			continue
		}
		loaded[s.Name] = s
	}

	r.mu.Lock()
	r.skills = loaded
	r.mu.Unlock()
	return nil
}

// List returns all skills sorted by name.
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a skill by name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Create writes a skill definition file and announces it on the bus.
// An existing skill with the same name is overwritten.
func (r *Registry) Create(s Skill) error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(r.dir, slugify(s.Name)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	r.mu.Lock()
	r.skills[s.Name] = s
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.EmitSystem("skill_created", "", map[string]interface{}{
			"name":  s.Name,
			"tools": s.Tools,
		})
	}
	return nil
}

// Match scores every skill against the query by keyword overlap.
type Match struct {
	Skill Skill
	Score float64
}

// FindRelevant returns skills scoring above min, best first.
func (r *Registry) FindRelevant(query string, min float64) []Match {
	keywords := keywordsOf(query)
	if len(keywords) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Match
	for _, s := range r.skills {
		text := strings.ToLower(s.Name + " " + s.Description)
		hit := 0
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				hit++
			}
		}
		score := float64(hit) / float64(len(keywords))
		if score >= min {
			out = append(out, Match{Skill: s, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// SuggestOrCreate checks for existing near-matches before creating.
// High-relevance candidates are returned for user confirmation instead of
// silently creating a duplicate.
func (r *Registry) SuggestOrCreate(s Skill) (created bool, candidates []Match, err error) {
	matches := r.FindRelevant(s.Name+" "+s.Description, relevanceThreshold)
	if len(matches) > 0 {
		return false, matches, nil
	}
	if err := r.Create(s); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// Docs renders active skills as a context block, including parameter
// descriptions.
func (r *Registry) Docs() string {
	skills := r.List()
	if len(skills) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Available skills:\n")
	for _, s := range skills {
		fmt.Fprintf(&sb, "\n### %s\n%s\n", s.Name, s.Description)
		if s.Instructions != "" {
			sb.WriteString(s.Instructions + "\n")
		}
		if len(s.Parameters) > 0 {
			names := make([]string, 0, len(s.Parameters))
			for n := range s.Parameters {
				names = append(names, n)
			}
			sort.Strings(names)
			sb.WriteString("Parameters:\n")
			for _, n := range names {
				fmt.Fprintf(&sb, "- %s: %s\n", n, s.Parameters[n])
			}
		}
		if len(s.Tools) > 0 {
			fmt.Fprintf(&sb, "Tools: %s\n", strings.Join(s.Tools, ", "))
		}
	}
	return sb.String()
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	slug := nonSlug.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}

var slugWordRe = regexp.MustCompile(`[a-z0-9]+`)

var skillStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "for": true, "with": true, "skill": true,
}

func keywordsOf(query string) []string {
	var out []string
	for _, w := range slugWordRe.FindAllString(strings.ToLower(query), -1) {
		if len(w) < 3 || skillStopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}
