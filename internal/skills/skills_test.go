package skills

import (
	"strings"
	"testing"
)

func TestCreateAndReload(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, nil)

	err := r.Create(Skill{
		Name:        "deploy-status",
		Description: "Check deployment status across environments",
		Tools:       []string{"shell"},
		Parameters:  map[string]string{"env": "target environment name"},
	})
	if err != nil {
		t.Fatal(err)
	}

	fresh := NewRegistry(dir, nil)
	if err := fresh.Load(); err != nil {
		t.Fatal(err)
	}
	s, ok := fresh.Get("deploy-status")
	if !ok {
		t.Fatal("skill not found after reload")
	}
	if s.Description == "" || len(s.Tools) != 1 {
		t.Errorf("skill = %+v", s)
	}
}

func TestFindRelevantScoring(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil)
	r.Create(Skill{Name: "log-digest", Description: "Summarize server logs daily"})
	r.Create(Skill{Name: "invoice-maker", Description: "Generate client invoices"})

	matches := r.FindRelevant("summarize the server logs", 0.5)
	if len(matches) != 1 || matches[0].Skill.Name != "log-digest" {
		t.Errorf("matches = %+v", matches)
	}

	if got := r.FindRelevant("water the plants", 0.5); len(got) != 0 {
		t.Errorf("irrelevant query matched: %+v", got)
	}
}

func TestSuggestOrCreateShortCircuitsOnMatch(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil)
	r.Create(Skill{Name: "backup-runner", Description: "Run nightly database backups"})

	created, candidates, err := r.SuggestOrCreate(Skill{
		Name:        "database-backup",
		Description: "nightly backups of the database",
	})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("near-duplicate skill was created")
	}
	if len(candidates) == 0 || candidates[0].Skill.Name != "backup-runner" {
		t.Errorf("candidates = %+v", candidates)
	}

	created, _, err = r.SuggestOrCreate(Skill{
		Name:        "weather-report",
		Description: "fetch tomorrow's forecast",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("novel skill not created")
	}
}

func TestDocsIncludeParameters(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil)
	r.Create(Skill{
		Name:        "greet",
		Description: "Greet a user",
		Parameters:  map[string]string{"name": "who to greet"},
	})

	docs := r.Docs()
	for _, want := range []string{"### greet", "name: who to greet"} {
		if !strings.Contains(docs, want) {
			t.Errorf("docs missing %q:\n%s", want, docs)
		}
	}
}
