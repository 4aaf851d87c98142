package budget

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osagent/osa/internal/bus"
)

// Pricing is cost per million tokens in USD.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// pricingTable maps provider name to rates. Unknown providers fall back to
// the "default" row so cost is never silently zero.
var pricingTable = map[string]Pricing{
	"anthropic":  {InputPerM: 3.00, OutputPerM: 15.00},
	"openai":     {InputPerM: 2.50, OutputPerM: 10.00},
	"groq":       {InputPerM: 0.59, OutputPerM: 0.79},
	"openrouter": {InputPerM: 3.00, OutputPerM: 15.00},
	"local":      {InputPerM: 0, OutputPerM: 0},
	"default":    {InputPerM: 3.00, OutputPerM: 15.00},
}

// Entry is one recorded LLM call cost.
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	SessionID    string    `json:"session_id,omitempty"`
}

// maxEntries bounds the in-memory ledger; older entries roll off.
const maxEntries = 10000

// Config sets the spend limits.
type Config struct {
	DailyLimitUSD   float64
	MonthlyLimitUSD float64
	PerCallLimitUSD float64
}

// Budget tracks daily/monthly spend against limits. Warning and exceeded
// events fire once per threshold crossing; flags rearm on period reset.
type Budget struct {
	mu  sync.Mutex
	bus *bus.Bus
	cfg Config

	dailySpent   float64
	monthlySpent float64
	dailyReset   time.Time
	monthlyReset time.Time

	warnedDaily     bool
	exceededDaily   bool
	warnedMonthly   bool
	exceededMonthly bool

	entries []Entry
	ledger  *Ledger

	now func() time.Time
}

func New(cfg Config, b *bus.Bus) *Budget {
	now := time.Now().UTC()
	return &Budget{
		bus:          b,
		cfg:          cfg,
		dailyReset:   nextMidnight(now),
		monthlyReset: nextMonth(now),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// AttachLedger enables durable persistence of entries.
func (b *Budget) AttachLedger(l *Ledger) {
	b.mu.Lock()
	b.ledger = l
	b.mu.Unlock()
}

// CostFor computes the USD cost of a call from the pricing table.
func CostFor(provider string, inputTokens, outputTokens int64) float64 {
	p, ok := pricingTable[provider]
	if !ok {
		p = pricingTable["default"]
	}
	return float64(inputTokens)/1e6*p.InputPerM + float64(outputTokens)/1e6*p.OutputPerM
}

// CheckPerCall reports whether an estimated call cost is within the
// per-call cap. Zero cap disables the check.
func (b *Budget) CheckPerCall(estimatedUSD float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.PerCallLimitUSD > 0 && estimatedUSD > b.cfg.PerCallLimitUSD {
		return fmt.Errorf("per-call limit exceeded: $%.4f > $%.4f", estimatedUSD, b.cfg.PerCallLimitUSD)
	}
	return nil
}

// RecordCost computes and records the cost of a completed call, updating
// period counters and emitting threshold events on crossings.
func (b *Budget) RecordCost(provider, model string, inputTokens, outputTokens int64, sessionID string) Entry {
	cost := CostFor(provider, inputTokens, outputTokens)

	b.mu.Lock()
	now := b.now()
	b.resetIfDue(now)

	entry := Entry{
		ID:           uuid.NewString(),
		Timestamp:    now,
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		SessionID:    sessionID,
	}
	b.entries = append(b.entries, entry)
	if len(b.entries) > maxEntries {
		b.entries = b.entries[len(b.entries)-maxEntries:]
	}

	b.dailySpent += cost
	b.monthlySpent += cost

	type threshold struct {
		fired *bool
		over  bool
		event string
		scope string
		spent float64
		limit float64
	}
	var crossings []threshold
	if b.cfg.DailyLimitUSD > 0 {
		crossings = append(crossings,
			threshold{&b.warnedDaily, b.dailySpent >= 0.8*b.cfg.DailyLimitUSD, "budget_warning", "daily", b.dailySpent, b.cfg.DailyLimitUSD},
			threshold{&b.exceededDaily, b.dailySpent >= b.cfg.DailyLimitUSD, "budget_exceeded", "daily", b.dailySpent, b.cfg.DailyLimitUSD},
		)
	}
	if b.cfg.MonthlyLimitUSD > 0 {
		crossings = append(crossings,
			threshold{&b.warnedMonthly, b.monthlySpent >= 0.8*b.cfg.MonthlyLimitUSD, "budget_warning", "monthly", b.monthlySpent, b.cfg.MonthlyLimitUSD},
			threshold{&b.exceededMonthly, b.monthlySpent >= b.cfg.MonthlyLimitUSD, "budget_exceeded", "monthly", b.monthlySpent, b.cfg.MonthlyLimitUSD},
		)
	}

	var fire []threshold
	for _, c := range crossings {
		if c.over && !*c.fired {
			*c.fired = true
			fire = append(fire, c)
		}
	}
	ledger := b.ledger
	b.mu.Unlock()

	if ledger != nil {
		if err := ledger.InsertEntry(entry); err != nil {
			slog.Warn("budget ledger insert failed", "error", err)
		}
	}

	if b.bus != nil {
		for _, c := range fire {
			b.bus.EmitSystem(c.event, sessionID, map[string]interface{}{
				"scope": c.scope,
				"spent": c.spent,
				"limit": c.limit,
			})
		}
		b.bus.EmitSystem("cost_recorded", sessionID, map[string]interface{}{
			"entry_id":      entry.ID,
			"provider":      provider,
			"model":         model,
			"cost_usd":      cost,
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		})
	}
	return entry
}

// resetIfDue must run with b.mu held.
func (b *Budget) resetIfDue(now time.Time) {
	if !now.Before(b.dailyReset) {
		b.dailySpent = 0
		b.warnedDaily = false
		b.exceededDaily = false
		b.dailyReset = nextMidnight(now)
	}
	if !now.Before(b.monthlyReset) {
		b.monthlySpent = 0
		b.warnedMonthly = false
		b.exceededMonthly = false
		b.monthlyReset = nextMonth(now)
	}
}

// DailySpent returns spend since the last daily reset.
func (b *Budget) DailySpent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfDue(b.now())
	return b.dailySpent
}

// MonthlySpent returns spend since the last monthly reset.
func (b *Budget) MonthlySpent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfDue(b.now())
	return b.monthlySpent
}

// Entries returns a copy of the bounded in-memory ledger.
func (b *Budget) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func nextMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
