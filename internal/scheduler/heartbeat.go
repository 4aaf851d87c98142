package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/osagent/osa/internal/bus"
	"github.com/osagent/osa/internal/config"
)

// Heartbeat periodically works through the unchecked items in
// HEARTBEAT.md, one item per beat, in a throwaway session. Breakers are
// kept per item so one flaky task cannot black out the rest.
type Heartbeat struct {
	runner   Runner
	bus      *bus.Bus
	file     string
	interval time.Duration
	quiet    []config.QuietRange

	mu       sync.Mutex
	breakers map[string]*breaker

	stop chan struct{}
	now  func() time.Time
}

func NewHeartbeat(runner Runner, b *bus.Bus, file string, intervalMin int, quiet []config.QuietRange) *Heartbeat {
	if intervalMin <= 0 {
		intervalMin = 30
	}
	return &Heartbeat{
		runner:   runner,
		bus:      b,
		file:     file,
		interval: time.Duration(intervalMin) * time.Minute,
		quiet:    quiet,
		breakers: make(map[string]*breaker),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start runs beats until the context ends or Stop is called.
func (h *Heartbeat) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.Beat(ctx)
		}
	}
}

func (h *Heartbeat) Stop() { close(h.stop) }

var uncheckedRe = regexp.MustCompile(`^- \[ \] (.+)$`)

// Beat runs one heartbeat cycle: pick the first unchecked item whose
// breaker allows a run, hand it to the agent, and check it off on success.
func (h *Heartbeat) Beat(ctx context.Context) {
	now := h.now().UTC()
	if config.InQuietHours(h.quiet, h.now()) {
		return
	}

	item, ok := h.nextItem(now)
	if !ok {
		return
	}
	br := h.breakerFor(item)

	h.emit("heartbeat_started", map[string]interface{}{"item": item})

	prompt := fmt.Sprintf("Heartbeat task from your HEARTBEAT.md:\n\n%s\n\nComplete this task now and report what you did.", item)
	result, err := runOneShot(ctx, h.runner, "heartbeat", prompt)
	if err != nil {
		opened := br.failure(now)
		slog.Warn("heartbeat run failed", "item", item, "error", err)
		h.emit("heartbeat_failed", map[string]interface{}{"item": item, "error": err.Error()})
		if opened {
			h.emit("heartbeat_breaker_opened", map[string]interface{}{"item": item, "failures": breakerThreshold})
		}
		return
	}

	br.success()
	if err := h.markDone(item, now); err != nil {
		slog.Warn("heartbeat checkbox update failed", "item", item, "error", err)
	}
	h.emit("heartbeat_completed", map[string]interface{}{
		"item":   item,
		"result": result,
	})
}

// nextItem returns the first unchecked item whose breaker admits a run.
// Items skipped over an open breaker are announced on the bus.
func (h *Heartbeat) nextItem(now time.Time) (string, bool) {
	data, err := os.ReadFile(h.file)
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(data), "\n") {
		m := uncheckedRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		item := strings.TrimSpace(m[1])
		if h.breakerFor(item).allow(now) {
			return item, true
		}
		h.emit("heartbeat_skipped", map[string]interface{}{"item": item, "reason": "breaker_open"})
	}
	return "", false
}

func (h *Heartbeat) breakerFor(item string) *breaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.breakers[item]
	if !ok {
		b = &breaker{}
		h.breakers[item] = b
	}
	return b
}

// markDone rewrites the item's line as checked with a completion stamp.
func (h *Heartbeat) markDone(item string, now time.Time) error {
	data, err := os.ReadFile(h.file)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		m := uncheckedRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m != nil && strings.TrimSpace(m[1]) == item {
			lines[i] = fmt.Sprintf("- [x] %s (completed %s)", item, now.Format(time.RFC3339))
			break
		}
	}
	return os.WriteFile(h.file, []byte(strings.Join(lines, "\n")), 0o644)
}

func (h *Heartbeat) emit(event string, payload map[string]interface{}) {
	if h.bus != nil {
		h.bus.EmitSystem(event, "", payload)
	}
}
