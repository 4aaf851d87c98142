package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/osagent/osa/internal/bus"
	"github.com/osagent/osa/internal/tools"
)

// CronJob is one scheduled job from CRONS.json.
type CronJob struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"` // five-field cron, UTC
	Type     string `json:"type"`     // agent | command | webhook

	Job     string `json:"job,omitempty"`     // agent prompt
	Command string `json:"command,omitempty"` // shell command, sandbox rules apply

	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	OnFailure  string `json:"on_failure,omitempty"` // "agent" hands failures to a recovery prompt
	FailureJob string `json:"failure_job,omitempty"`
}

type cronsFile struct {
	Jobs []CronJob `json:"jobs"`
}

const webhookTimeout = 30 * time.Second

// Cron ticks once a minute in UTC and runs due jobs. The job file is
// hot-reloaded on change; breaker state survives reloads.
type Cron struct {
	runner Runner
	bus    *bus.Bus
	shell  *tools.ShellTool
	path   string
	gron   *gronx.Gronx
	client *http.Client

	mu       sync.Mutex
	jobs     []CronJob
	breakers map[string]*breaker

	stop chan struct{}
	now  func() time.Time
}

func NewCron(runner Runner, b *bus.Bus, shell *tools.ShellTool, path string) *Cron {
	return &Cron{
		runner:   runner,
		bus:      b,
		shell:    shell,
		path:     path,
		gron:     gronx.New(),
		client:   &http.Client{Timeout: webhookTimeout},
		breakers: make(map[string]*breaker),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start loads the job file, watches it for changes, and ticks every minute.
func (c *Cron) Start(ctx context.Context) {
	if err := c.Reload(); err != nil {
		slog.Warn("cron file unreadable at startup", "path", c.path, "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		_ = watcher.Add(c.path)
		go c.watch(ctx, watcher)
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

func (c *Cron) Stop() { close(c.stop) }

func (c *Cron) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if err := c.Reload(); err != nil {
					slog.Warn("cron reload failed, keeping previous jobs", "error", err)
				}
				// Editors that replace the file drop the watch.
				_ = watcher.Add(c.path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("cron watcher error", "error", err)
		}
	}
}

// Reload re-reads CRONS.json. Breakers for surviving job ids keep their
// failure counts.
func (c *Cron) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			c.jobs = nil
			c.mu.Unlock()
			return nil
		}
		return err
	}
	// JSON5 so hand-edited job files may carry comments and trailing
	// commas.
	var f cronsFile
	if err := json5.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.jobs = f.Jobs
	for _, j := range f.Jobs {
		if _, ok := c.breakers[j.ID]; !ok {
			c.breakers[j.ID] = &breaker{}
		}
	}
	c.mu.Unlock()

	slog.Info("cron jobs loaded", "count", len(f.Jobs))
	return nil
}

// Jobs returns a copy of the loaded jobs.
func (c *Cron) Jobs() []CronJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CronJob, len(c.jobs))
	copy(out, c.jobs)
	return out
}

// Tick runs every enabled job whose schedule matches the current UTC
// minute.
func (c *Cron) Tick(ctx context.Context) {
	now := c.now().UTC()

	c.mu.Lock()
	jobs := make([]CronJob, len(c.jobs))
	copy(jobs, c.jobs)
	c.mu.Unlock()

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		due, err := c.gron.IsDue(NormalizeSchedule(job.Schedule), now)
		if err != nil {
			slog.Warn("cron schedule invalid", "job", job.ID, "schedule", job.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		if !c.breakerFor(job.ID).allow(now) {
			c.emit("cron_job_skipped", map[string]interface{}{"job_id": job.ID, "reason": "breaker_open"})
			continue
		}
		go c.RunJob(ctx, job)
	}
}

func (c *Cron) breakerFor(id string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[id]
	if !ok {
		b = &breaker{}
		c.breakers[id] = b
	}
	return b
}

// RunJob executes one job and settles its breaker.
func (c *Cron) RunJob(ctx context.Context, job CronJob) {
	c.emit("cron_job_started", map[string]interface{}{"job_id": job.ID, "name": job.Name, "type": job.Type})

	output, err := c.execute(ctx, job)
	now := c.now().UTC()
	if err != nil {
		opened := c.breakerFor(job.ID).failure(now)
		slog.Warn("cron job failed", "job", job.ID, "error", err)
		c.emit("cron_job_failed", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
		if opened {
			c.emit("cron_breaker_opened", map[string]interface{}{"job_id": job.ID, "failures": breakerThreshold})
		}
		c.handleFailure(ctx, job, err)
		return
	}

	c.breakerFor(job.ID).success()
	c.emit("cron_job_completed", map[string]interface{}{"job_id": job.ID, "output": firstN(output, 500)})
}

func (c *Cron) execute(ctx context.Context, job CronJob) (string, error) {
	switch job.Type {
	case "agent":
		return runOneShot(ctx, c.runner, "cron", job.Job)
	case "command":
		return c.runCommand(ctx, job.Command)
	case "webhook":
		return c.callWebhook(ctx, job)
	default:
		return "", fmt.Errorf("unknown job type %q", job.Type)
	}
}

// runCommand goes through the shell tool so the same sandbox rules apply
// to scheduled commands as to agent-issued ones.
func (c *Cron) runCommand(ctx context.Context, command string) (string, error) {
	if c.shell == nil {
		return "", fmt.Errorf("no shell configured for command jobs")
	}
	res := c.shell.Execute(ctx, map[string]interface{}{"command": command})
	if res.IsError {
		return "", fmt.Errorf("%s", res.ForLLM)
	}
	return res.ForLLM, nil
}

func (c *Cron) callWebhook(ctx context.Context, job CronJob) (string, error) {
	method := job.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, job.URL, nil)
	if err != nil {
		return "", err
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("webhook returned %d: %s", resp.StatusCode, firstN(string(body), 200))
	}
	return string(body), nil
}

// handleFailure hands a failed job to a recovery agent when configured.
func (c *Cron) handleFailure(ctx context.Context, job CronJob, cause error) {
	if job.OnFailure != "agent" || job.FailureJob == "" {
		return
	}
	prompt := fmt.Sprintf("Scheduled job %q failed with: %s\n\n%s", job.Name, cause, job.FailureJob)
	if _, err := runOneShot(ctx, c.runner, "cron", prompt); err != nil {
		slog.Warn("cron failure handler failed", "job", job.ID, "error", err)
	}
}

func (c *Cron) emit(event string, payload map[string]interface{}) {
	if c.bus != nil {
		c.bus.EmitSystem(event, "", payload)
	}
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// fieldBounds are the value ranges per cron field, in field order.
var fieldBounds = [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}

// NormalizeSchedule rewrites wrapping ranges like an hour field of "22-5"
// into the equivalent pair "22-23,0-5" that strict cron parsers accept.
func NormalizeSchedule(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return expr
	}
	for i, field := range fields {
		fields[i] = normalizeField(field, fieldBounds[i][0], fieldBounds[i][1])
	}
	return strings.Join(fields, " ")
}

func normalizeField(field string, min, max int) string {
	parts := strings.Split(field, ",")
	for i, part := range parts {
		body, step, hasStep := strings.Cut(part, "/")
		dash := strings.Index(body, "-")
		if dash <= 0 {
			continue
		}
		lo, err1 := strconv.Atoi(body[:dash])
		hi, err2 := strconv.Atoi(body[dash+1:])
		if err1 != nil || err2 != nil || lo <= hi {
			continue
		}
		wrapped := fmt.Sprintf("%d-%d,%d-%d", lo, max, min, hi)
		if hasStep {
			wrapped = fmt.Sprintf("%d-%d/%s,%d-%d/%s", lo, max, step, min, hi, step)
		}
		parts[i] = wrapped
	}
	return strings.Join(parts, ",")
}
