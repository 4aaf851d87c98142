package budget

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/osagent/osa/internal/bus"
)

// systemEventRecorder collects system_event emissions for assertions.
type systemEventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
	seen   chan struct{}
}

func newRecorder(b *bus.Bus) *systemEventRecorder {
	r := &systemEventRecorder{seen: make(chan struct{}, 64)}
	b.Subscribe("test-recorder", func(ev bus.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		r.seen <- struct{}{}
	}, bus.KindSystemEvent)
	return r
}

func (r *systemEventRecorder) waitFor(t *testing.T, event string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		for _, ev := range r.events {
			if ev.Payload["event"] == event {
				r.mu.Unlock()
				return ev
			}
		}
		r.mu.Unlock()
		select {
		case <-r.seen:
		case <-deadline:
			t.Fatalf("event %q never emitted", event)
		}
	}
}

func (r *systemEventRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Payload["event"] == event {
			n++
		}
	}
	return n
}

func TestCostForUsesPricingTable(t *testing.T) {
	got := CostFor("anthropic", 1_000_000, 1_000_000)
	if got != 18.00 {
		t.Errorf("anthropic cost = %f, want 18.00", got)
	}
	if CostFor("local", 5_000_000, 5_000_000) != 0 {
		t.Error("local provider should be free")
	}
	// Unknown providers fall back to default rates, never zero.
	if CostFor("mystery", 1_000_000, 0) == 0 {
		t.Error("unknown provider cost = 0, want default rates")
	}
}

func TestRecordCostAccumulatesAndEmitsCostRecorded(t *testing.T) {
	b := bus.New()
	rec := newRecorder(b)
	bud := New(Config{DailyLimitUSD: 100, MonthlyLimitUSD: 1000}, b)

	entry := bud.RecordCost("anthropic", "claude-sonnet-4-5", 10_000, 2_000, "s1")
	if entry.CostUSD <= 0 {
		t.Fatal("entry cost not computed")
	}
	if bud.DailySpent() != entry.CostUSD {
		t.Errorf("daily = %f, want %f", bud.DailySpent(), entry.CostUSD)
	}

	ev := rec.waitFor(t, "cost_recorded")
	if ev.Payload["provider"] != "anthropic" {
		t.Errorf("cost_recorded payload = %+v", ev.Payload)
	}
}

func TestBudgetWarningFiresOnceAtEightyPercent(t *testing.T) {
	b := bus.New()
	rec := newRecorder(b)
	bud := New(Config{DailyLimitUSD: 10}, b)

	// 500k in + 500k out at anthropic rates = $9 = 90% of the daily limit.
	bud.RecordCost("anthropic", "m", 500_000, 500_000, "s1")
	rec.waitFor(t, "budget_warning")

	// Staying above the threshold must not re-fire.
	bud.RecordCost("local", "m", 1000, 1000, "s1")
	rec.waitFor(t, "cost_recorded")
	time.Sleep(50 * time.Millisecond)
	if n := rec.count("budget_warning"); n != 1 {
		t.Errorf("budget_warning fired %d times, want 1", n)
	}
}

func TestBudgetExceededFiresAtLimit(t *testing.T) {
	b := bus.New()
	rec := newRecorder(b)
	bud := New(Config{DailyLimitUSD: 10}, b)

	// $18 blows straight through the $10 daily limit.
	bud.RecordCost("anthropic", "m", 1_000_000, 1_000_000, "s1")
	rec.waitFor(t, "budget_exceeded")
}

func TestBudgetDailyResetRearmsThresholds(t *testing.T) {
	bud := New(Config{DailyLimitUSD: 10}, nil)
	current := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	bud.now = func() time.Time { return current }
	bud.dailyReset = nextMidnight(current)
	bud.monthlyReset = nextMonth(current)

	bud.RecordCost("anthropic", "m", 1_000_000, 1_000_000, "s1")
	if bud.DailySpent() == 0 {
		t.Fatal("no daily spend recorded")
	}

	current = current.Add(2 * time.Hour) // past midnight
	if bud.DailySpent() != 0 {
		t.Errorf("daily spend = %f after reset, want 0", bud.DailySpent())
	}
	if bud.MonthlySpent() != 0 {
		t.Errorf("monthly spend = %f after month rollover, want 0", bud.MonthlySpent())
	}
}

func TestBudgetEntriesBounded(t *testing.T) {
	bud := New(Config{}, nil)
	for i := 0; i < maxEntries+50; i++ {
		bud.RecordCost("local", "m", 1, 1, "")
	}
	if n := len(bud.Entries()); n != maxEntries {
		t.Errorf("entries = %d, want %d", n, maxEntries)
	}
}

func TestCheckPerCall(t *testing.T) {
	bud := New(Config{PerCallLimitUSD: 0.50}, nil)
	if err := bud.CheckPerCall(0.25); err != nil {
		t.Errorf("under-cap call refused: %v", err)
	}
	if err := bud.CheckPerCall(0.75); err == nil {
		t.Error("over-cap call allowed")
	}
}

func TestTreasuryWithdrawGuards(t *testing.T) {
	// Balance 40, reserved 0, min_reserve 10, max_single 50,
	// daily_limit 100 with 80 already spent: withdraw(25) must fail the
	// daily guard and leave the balance untouched.
	b := bus.New()
	rec := newRecorder(b)
	tr := NewTreasury(TreasuryConfig{
		Enabled: true, MaxSingleUSD: 50, DailyLimitUSD: 100, MonthlyLimitUSD: 1000, MinReserveUSD: 10,
	}, b)
	tr.Deposit(40, "seed")
	tr.dailySpent = 80

	_, err := tr.Withdraw(25, "test", "")
	var gerr *GuardError
	if !errors.As(err, &gerr) {
		t.Fatalf("err = %v, want GuardError", err)
	}
	if gerr.Guard != GuardDaily {
		t.Errorf("guard = %q, want %q", gerr.Guard, GuardDaily)
	}
	if tr.Balance() != 40 {
		t.Errorf("balance changed to %f on refused withdraw", tr.Balance())
	}
	ev := rec.waitFor(t, "treasury_limit_exceeded")
	if ev.Payload["type"] != GuardDaily {
		t.Errorf("event type = %v, want daily", ev.Payload["type"])
	}
}

func TestTreasuryGuardOrder(t *testing.T) {
	tr := NewTreasury(TreasuryConfig{
		Enabled: true, MaxSingleUSD: 50, DailyLimitUSD: 1000, MonthlyLimitUSD: 1000, MinReserveUSD: 10,
	}, nil)
	tr.Deposit(100, "seed")

	tests := []struct {
		amount float64
		guard  string
	}{
		{60, GuardMaxSingle},   // over the single-withdrawal cap
		{95, GuardMinReserve},  // would dip below the reserve floor
	}
	for _, tt := range tests {
		_, err := tr.Withdraw(tt.amount, "test", "")
		var gerr *GuardError
		if !errors.As(err, &gerr) || gerr.Guard != tt.guard {
			t.Errorf("withdraw(%v) guard = %v, want %s", tt.amount, err, tt.guard)
		}
	}
}

func TestTreasuryReserveReleaseConservation(t *testing.T) {
	tr := NewTreasury(TreasuryConfig{Enabled: true}, nil)
	tr.Deposit(100, "seed")

	if _, err := tr.Reserve(30, "job-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Reserve(20, "job-1"); err != nil {
		t.Fatal(err)
	}
	if got := tr.Available(); got != 50 {
		t.Errorf("available = %f, want 50", got)
	}

	// Release pops the most recent hold for the reference.
	txn, err := tr.Release("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if txn.AmountUSD != 20 {
		t.Errorf("released %f, want 20 (most recent)", txn.AmountUSD)
	}
	if got := tr.Available(); got != 70 {
		t.Errorf("available = %f, want 70", got)
	}

	if _, err := tr.Release("job-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Release("job-1"); err == nil {
		t.Error("release without matching reserve succeeded")
	}
	if tr.Balance() != 100 {
		t.Errorf("balance = %f, want 100 (holds do not move balance)", tr.Balance())
	}
}

func TestTreasuryWithdrawInsufficientFunds(t *testing.T) {
	tr := NewTreasury(TreasuryConfig{Enabled: true}, nil)
	tr.Deposit(10, "seed")

	_, err := tr.Withdraw(25, "test", "")
	var gerr *GuardError
	if !errors.As(err, &gerr) || gerr.Guard != GuardInsufficient {
		t.Errorf("err = %v, want insufficient_funds guard", err)
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	l, err := OpenLedger(t.TempDir() + "/ledger.db")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	bud := New(Config{}, nil)
	bud.AttachLedger(l)
	entry := bud.RecordCost("openai", "gpt-4o", 1000, 500, "s9")

	got, err := l.RecentEntries(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != entry.ID || got[0].Model != "gpt-4o" {
		t.Errorf("ledger entries = %+v", got)
	}

	tr := NewTreasury(TreasuryConfig{Enabled: true}, nil)
	tr.AttachLedger(l)
	tr.Deposit(50, "seed")

	txns, err := l.RecentTxns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 || txns[0].Type != "credit" || txns[0].BalanceAfter != 50 {
		t.Errorf("ledger txns = %+v", txns)
	}
}
