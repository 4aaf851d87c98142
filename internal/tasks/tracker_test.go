package tasks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/osagent/osa/internal/tools"
)

func TestLifecycle(t *testing.T) {
	tr := NewTracker(t.TempDir(), nil)

	task, err := tr.Add("s1", "write the report")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusPending || task.ID != 1 {
		t.Fatalf("task = %+v", task)
	}

	if err := tr.Start("s1", task.ID); err != nil {
		t.Fatal(err)
	}
	if err := tr.Start("s1", task.ID); err == nil {
		t.Error("second start allowed from in_progress")
	}
	if err := tr.Complete("s1", task.ID); err != nil {
		t.Fatal(err)
	}
	if err := tr.Fail("s1", task.ID, "nope"); err == nil {
		t.Error("fail allowed on completed task")
	}

	got := tr.Get("s1")
	if len(got) != 1 || got[0].Status != StatusCompleted {
		t.Errorf("tasks = %+v", got)
	}
}

func TestFailCarriesReason(t *testing.T) {
	tr := NewTracker(t.TempDir(), nil)
	task, _ := tr.Add("s1", "flaky migration")
	if err := tr.Fail("s1", task.ID, "schema lock timeout"); err != nil {
		t.Fatal(err)
	}
	got := tr.Get("s1")
	if got[0].Status != StatusFailed || got[0].Reason != "schema lock timeout" {
		t.Errorf("task = %+v", got[0])
	}
}

func TestPersistenceAcrossTrackers(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracker(dir, nil)
	tr.Add("sess", "survive a restart")
	tr.RecordTokens("sess", 1, 420)

	if _, err := os.Stat(filepath.Join(dir, "sess", "tasks.json")); err != nil {
		t.Fatalf("tasks.json missing: %v", err)
	}

	fresh := NewTracker(dir, nil)
	got := fresh.Get("sess")
	if len(got) != 1 || got[0].Title != "survive a restart" || got[0].Tokens != 420 {
		t.Errorf("reloaded = %+v", got)
	}

	// ids keep counting after reload
	task, _ := fresh.Add("sess", "second item")
	if task.ID != 2 {
		t.Errorf("id after reload = %d, want 2", task.ID)
	}
}

func TestClear(t *testing.T) {
	tr := NewTracker(t.TempDir(), nil)
	tr.AddMany("s", []string{"one task", "two task"})
	if err := tr.Clear("s"); err != nil {
		t.Fatal(err)
	}
	if got := tr.Get("s"); len(got) != 0 {
		t.Errorf("tasks after clear = %+v", got)
	}
}

func TestSessionsIsolated(t *testing.T) {
	tr := NewTracker(t.TempDir(), nil)
	tr.Add("alpha", "alpha's task here")
	tr.Add("beta", "beta's task here")
	if len(tr.Get("alpha")) != 1 || len(tr.Get("beta")) != 1 {
		t.Error("sessions leaked into each other")
	}
}

func TestExtractFromResponse(t *testing.T) {
	content := `Here's the plan:

1. Set up the database schema
2. Build the ingestion endpoint
3. Wire up retry handling
4. Set up the database schema

Some closing prose that should not match.`

	tr := NewTracker(t.TempDir(), nil)
	n := tr.ExtractFromResponse("s", content)
	if n != 3 {
		t.Fatalf("extracted = %d, want 3 (duplicate dropped)", n)
	}
	got := tr.Get("s")
	if got[0].Title != "Set up the database schema" {
		t.Errorf("first task = %q", got[0].Title)
	}

	// Second response must not re-seed a populated list.
	if n := tr.ExtractFromResponse("s", content); n != 0 {
		t.Errorf("re-extraction added %d tasks", n)
	}
}

func TestExtractRequiresThreeItems(t *testing.T) {
	tr := NewTracker(t.TempDir(), nil)
	if n := tr.ExtractFromResponse("s", "1. First thing\n2. Second thing"); n != 0 {
		t.Errorf("extracted %d from a two-item list", n)
	}
}

func TestExtractCheckboxesAndLengthBounds(t *testing.T) {
	content := strings.Join([]string{
		"- [ ] Review the deployment pipeline",
		"- [x] Update the staging secrets",
		"- [ ] Rotate the API keys",
		"- [ ] abc", // too short
		"- [ ] " + strings.Repeat("x", 130), // too long
	}, "\n")

	titles := parseTaskLines(content)
	if len(titles) != 3 {
		t.Errorf("titles = %v", titles)
	}
}

func TestToolSetRoundTrip(t *testing.T) {
	tr := NewTracker(t.TempDir(), nil)
	byName := make(map[string]tools.Tool)
	for _, tool := range ToolSet(tr) {
		byName[tool.Name()] = tool
	}
	ctx := tools.WithSession(context.Background(), "sess")

	res := byName["add_task"].Execute(ctx, map[string]interface{}{"title": "ship the fix"})
	if res.IsError {
		t.Fatalf("add_task: %s", res.ForLLM)
	}
	res = byName["start_task"].Execute(ctx, map[string]interface{}{"id": float64(1)})
	if res.IsError {
		t.Fatalf("start_task: %s", res.ForLLM)
	}
	res = byName["complete_task"].Execute(ctx, map[string]interface{}{"id": float64(1)})
	if res.IsError {
		t.Fatalf("complete_task: %s", res.ForLLM)
	}
	res = byName["get_tasks"].Execute(ctx, nil)
	if !strings.Contains(res.ForLLM, "ship the fix") || !strings.Contains(res.ForLLM, "completed") {
		t.Errorf("get_tasks = %s", res.ForLLM)
	}

	// Outside a session the tools refuse to act.
	res = byName["get_tasks"].Execute(context.Background(), nil)
	if !res.IsError {
		t.Error("tool ran without a session in scope")
	}
}
