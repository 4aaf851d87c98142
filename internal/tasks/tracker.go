package tasks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/osagent/osa/internal/bus"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is one tracked work item within a session.
type Task struct {
	ID        int       `json:"id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"` // failure reason
	Tokens    int64     `json:"tokens,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type list struct {
	NextID int    `json:"next_id"`
	Tasks  []Task `json:"tasks"`
}

// Tracker keeps a per-session task list persisted as tasks.json under the
// session's directory. All mutations go through the tracker's lock.
type Tracker struct {
	mu    sync.Mutex
	dir   string
	bus   *bus.Bus
	lists map[string]*list
}

func NewTracker(dir string, b *bus.Bus) *Tracker {
	return &Tracker{dir: dir, bus: b, lists: make(map[string]*list)}
}

// Add appends one pending task.
func (t *Tracker) Add(sessionID, title string) (Task, error) {
	tasks, err := t.AddMany(sessionID, []string{title})
	if err != nil {
		return Task{}, err
	}
	return tasks[0], nil
}

// AddMany appends several pending tasks in one persisted write.
func (t *Tracker) AddMany(sessionID string, titles []string) ([]Task, error) {
	if len(titles) == 0 {
		return nil, fmt.Errorf("no task titles given")
	}

	t.mu.Lock()
	l := t.load(sessionID)
	now := time.Now().UTC()
	added := make([]Task, 0, len(titles))
	for _, title := range titles {
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		l.NextID++
		task := Task{ID: l.NextID, Title: title, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
		l.Tasks = append(l.Tasks, task)
		added = append(added, task)
	}
	err := t.save(sessionID, l)
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, task := range added {
		t.emit("task_tracker_added", sessionID, task)
	}
	return added, nil
}

// Start moves a pending task to in_progress.
func (t *Tracker) Start(sessionID string, id int) error {
	return t.transition(sessionID, id, StatusInProgress, "", func(s Status) bool {
		return s == StatusPending
	})
}

// Complete finishes a task from any non-terminal state.
func (t *Tracker) Complete(sessionID string, id int) error {
	return t.transition(sessionID, id, StatusCompleted, "", nonTerminal)
}

// Fail marks a task failed with a reason.
func (t *Tracker) Fail(sessionID string, id int, reason string) error {
	return t.transition(sessionID, id, StatusFailed, reason, nonTerminal)
}

func nonTerminal(s Status) bool {
	return s == StatusPending || s == StatusInProgress
}

func (t *Tracker) transition(sessionID string, id int, to Status, reason string, allowed func(Status) bool) error {
	t.mu.Lock()
	l := t.load(sessionID)
	var task *Task
	for i := range l.Tasks {
		if l.Tasks[i].ID == id {
			task = &l.Tasks[i]
			break
		}
	}
	if task == nil {
		t.mu.Unlock()
		return fmt.Errorf("task %d not found", id)
	}
	if !allowed(task.Status) {
		from := task.Status
		t.mu.Unlock()
		return fmt.Errorf("task %d is %s, cannot move to %s", id, from, to)
	}
	task.Status = to
	task.Reason = reason
	task.UpdatedAt = time.Now().UTC()
	snapshot := *task
	err := t.save(sessionID, l)
	t.mu.Unlock()

	if err != nil {
		return err
	}
	t.emit("task_tracker_"+string(to), sessionID, snapshot)
	return nil
}

// RecordTokens accumulates token spend against a task.
func (t *Tracker) RecordTokens(sessionID string, id int, tokens int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.load(sessionID)
	for i := range l.Tasks {
		if l.Tasks[i].ID == id {
			l.Tasks[i].Tokens += tokens
			l.Tasks[i].UpdatedAt = time.Now().UTC()
			return t.save(sessionID, l)
		}
	}
	return fmt.Errorf("task %d not found", id)
}

// Get returns the session's tasks ordered by id.
func (t *Tracker) Get(sessionID string) []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.load(sessionID)
	out := make([]Task, len(l.Tasks))
	copy(out, l.Tasks)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear drops every task for the session.
func (t *Tracker) Clear(sessionID string) error {
	t.mu.Lock()
	t.lists[sessionID] = &list{}
	err := t.save(sessionID, t.lists[sessionID])
	t.mu.Unlock()

	if err != nil {
		return err
	}
	t.emit("task_tracker_cleared", sessionID, Task{})
	return nil
}

// load returns the cached list, reading tasks.json on first touch.
// Callers hold t.mu.
func (t *Tracker) load(sessionID string) *list {
	if l, ok := t.lists[sessionID]; ok {
		return l
	}
	l := &list{}
	data, err := os.ReadFile(t.path(sessionID))
	if err == nil {
		if err := json.Unmarshal(data, l); err != nil {
			slog.Warn("task list unreadable, starting fresh", "session", sessionID, "error", err)
			l = &list{}
		}
	}
	t.lists[sessionID] = l
	return l
}

// save writes the list atomically: temp file then rename.
func (t *Tracker) save(sessionID string, l *list) error {
	path := t.path(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (t *Tracker) path(sessionID string) string {
	return filepath.Join(t.dir, sanitizeID(sessionID), "tasks.json")
}

var unsafeID = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitizeID(id string) string {
	return unsafeID.ReplaceAllString(id, "_")
}

func (t *Tracker) emit(event, sessionID string, task Task) {
	if t.bus == nil {
		return
	}
	payload := map[string]interface{}{"task_id": task.ID, "title": task.Title, "status": string(task.Status)}
	if task.Reason != "" {
		payload["reason"] = task.Reason
	}
	t.bus.EmitSystem(event, sessionID, payload)
}
