package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osagent/osa/internal/bus"
)

// Guard names identify which treasury limit refused an operation.
const (
	GuardMaxSingle    = "max_single"
	GuardDaily        = "daily"
	GuardMonthly      = "monthly"
	GuardMinReserve   = "min_reserve"
	GuardInsufficient = "insufficient_funds"
)

// GuardError is the typed refusal returned by treasury operations.
type GuardError struct {
	Guard  string
	Detail string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("treasury limit exceeded (%s): %s", e.Guard, e.Detail)
}

// Txn is one treasury transaction.
type Txn struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"` // credit, debit, reserve, release
	AmountUSD    float64   `json:"amount_usd"`
	Description  string    `json:"description"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	BalanceAfter float64   `json:"balance_after"`
	Timestamp    time.Time `json:"timestamp"`
}

// TreasuryConfig sets spend governance limits.
type TreasuryConfig struct {
	Enabled         bool
	AutoDebit       bool
	MaxSingleUSD    float64
	DailyLimitUSD   float64
	MonthlyLimitUSD float64
	MinReserveUSD   float64
}

// Treasury governs the agent's funds: balance, holds, and spend limits.
// available = balance − reserved at all times.
type Treasury struct {
	mu  sync.Mutex
	bus *bus.Bus
	cfg TreasuryConfig

	balance  float64
	reserved float64

	dailySpent   float64
	monthlySpent float64
	dailyReset   time.Time
	monthlyReset time.Time

	// reserves keyed by reference id; each holds a stack so release pops
	// the most recent hold for that reference.
	reserves map[string][]float64

	txns   []Txn
	ledger *Ledger

	now func() time.Time
}

func NewTreasury(cfg TreasuryConfig, b *bus.Bus) *Treasury {
	now := time.Now().UTC()
	return &Treasury{
		bus:          b,
		cfg:          cfg,
		reserves:     make(map[string][]float64),
		dailyReset:   nextMidnight(now),
		monthlyReset: nextMonth(now),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// AttachLedger enables durable persistence of transactions.
func (t *Treasury) AttachLedger(l *Ledger) {
	t.mu.Lock()
	t.ledger = l
	t.mu.Unlock()
}

// Enabled reports whether treasury governance is active.
func (t *Treasury) Enabled() bool { return t.cfg.Enabled }

// Deposit credits the balance.
func (t *Treasury) Deposit(amount float64, desc string) Txn {
	t.mu.Lock()
	t.balance += amount
	txn := t.record("credit", amount, desc, "")
	t.mu.Unlock()

	t.emit("treasury_deposit", map[string]interface{}{"amount": amount, "balance": txn.BalanceAfter})
	return txn
}

// Withdraw debits the balance subject to every guard. Violations return a
// GuardError naming the failing guard and leave state untouched.
func (t *Treasury) Withdraw(amount float64, desc, ref string) (Txn, error) {
	t.mu.Lock()
	t.resetIfDue(t.now())

	var gerr *GuardError
	available := t.balance - t.reserved
	switch {
	case t.cfg.MaxSingleUSD > 0 && amount > t.cfg.MaxSingleUSD:
		gerr = &GuardError{GuardMaxSingle, fmt.Sprintf("$%.2f > $%.2f", amount, t.cfg.MaxSingleUSD)}
	case t.cfg.DailyLimitUSD > 0 && t.dailySpent+amount > t.cfg.DailyLimitUSD:
		gerr = &GuardError{GuardDaily, fmt.Sprintf("$%.2f + $%.2f > $%.2f", t.dailySpent, amount, t.cfg.DailyLimitUSD)}
	case t.cfg.MonthlyLimitUSD > 0 && t.monthlySpent+amount > t.cfg.MonthlyLimitUSD:
		gerr = &GuardError{GuardMonthly, fmt.Sprintf("$%.2f + $%.2f > $%.2f", t.monthlySpent, amount, t.cfg.MonthlyLimitUSD)}
	case available-amount < 0:
		gerr = &GuardError{GuardInsufficient, fmt.Sprintf("available $%.2f < $%.2f", available, amount)}
	case available-amount < t.cfg.MinReserveUSD:
		gerr = &GuardError{GuardMinReserve, fmt.Sprintf("would leave $%.2f below reserve floor $%.2f", available-amount, t.cfg.MinReserveUSD)}
	}
	if gerr != nil {
		t.mu.Unlock()
		t.emit("treasury_limit_exceeded", map[string]interface{}{"type": gerr.Guard, "amount": amount})
		return Txn{}, gerr
	}

	t.balance -= amount
	t.dailySpent += amount
	t.monthlySpent += amount
	txn := t.record("debit", amount, desc, ref)
	t.mu.Unlock()

	t.emit("treasury_withdraw", map[string]interface{}{"amount": amount, "balance": txn.BalanceAfter})
	return txn, nil
}

// Reserve places a hold against the balance under a reference id.
func (t *Treasury) Reserve(amount float64, ref string) (Txn, error) {
	t.mu.Lock()

	available := t.balance - t.reserved
	if available-amount < t.cfg.MinReserveUSD {
		t.mu.Unlock()
		gerr := &GuardError{GuardMinReserve, fmt.Sprintf("hold of $%.2f would leave $%.2f below reserve floor $%.2f", amount, available-amount, t.cfg.MinReserveUSD)}
		t.emit("treasury_limit_exceeded", map[string]interface{}{"type": gerr.Guard, "amount": amount})
		return Txn{}, gerr
	}

	t.reserved += amount
	t.reserves[ref] = append(t.reserves[ref], amount)
	txn := t.record("reserve", amount, "hold", ref)
	t.mu.Unlock()

	t.emit("treasury_reserve", map[string]interface{}{"amount": amount, "reference_id": ref})
	return txn, nil
}

// Release drops the most recent hold for the reference id.
func (t *Treasury) Release(ref string) (Txn, error) {
	t.mu.Lock()

	stack := t.reserves[ref]
	if len(stack) == 0 {
		t.mu.Unlock()
		return Txn{}, fmt.Errorf("no reserve found for reference %q", ref)
	}
	amount := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(t.reserves, ref)
	} else {
		t.reserves[ref] = stack[:len(stack)-1]
	}
	t.reserved -= amount
	txn := t.record("release", amount, "release hold", ref)
	t.mu.Unlock()

	t.emit("treasury_release", map[string]interface{}{"amount": amount, "reference_id": ref})
	return txn, nil
}

// Balance returns the gross balance.
func (t *Treasury) Balance() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance
}

// Available returns balance minus holds.
func (t *Treasury) Available() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance - t.reserved
}

// Transactions returns a copy of the transaction history.
func (t *Treasury) Transactions() []Txn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Txn, len(t.txns))
	copy(out, t.txns)
	return out
}

// AutoDebit subscribes to cost_recorded events and debits LLM costs from
// the treasury balance. Refusals are logged, never raised.
func (t *Treasury) AutoDebit(b *bus.Bus) {
	if !t.cfg.Enabled || !t.cfg.AutoDebit {
		return
	}
	b.Subscribe("treasury-auto-debit", func(ev bus.Event) {
		if ev.Payload["event"] != "cost_recorded" {
			return
		}
		cost, _ := ev.Payload["cost_usd"].(float64)
		if cost <= 0 {
			return
		}
		ref, _ := ev.Payload["entry_id"].(string)
		if _, err := t.Withdraw(cost, "llm cost auto-debit", ref); err != nil {
			slog.Warn("treasury auto-debit refused", "cost", cost, "error", err)
		}
	}, bus.KindSystemEvent)
}

// StartResetTimers runs the daily/monthly counter resets on wall-clock
// boundaries until the context is canceled.
func (t *Treasury) StartResetTimers(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.mu.Lock()
				t.resetIfDue(t.now())
				t.mu.Unlock()
			}
		}
	}()
}

// record must run with t.mu held.
func (t *Treasury) record(typ string, amount float64, desc, ref string) Txn {
	txn := Txn{
		ID:           uuid.NewString(),
		Type:         typ,
		AmountUSD:    amount,
		Description:  desc,
		ReferenceID:  ref,
		BalanceAfter: t.balance,
		Timestamp:    t.now(),
	}
	t.txns = append(t.txns, txn)
	if len(t.txns) > maxEntries {
		t.txns = t.txns[len(t.txns)-maxEntries:]
	}
	if t.ledger != nil {
		if err := t.ledger.InsertTxn(txn); err != nil {
			slog.Warn("treasury ledger insert failed", "error", err)
		}
	}
	return txn
}

// resetIfDue must run with t.mu held.
func (t *Treasury) resetIfDue(now time.Time) {
	if !now.Before(t.dailyReset) {
		t.dailySpent = 0
		t.dailyReset = nextMidnight(now)
	}
	if !now.Before(t.monthlyReset) {
		t.monthlySpent = 0
		t.monthlyReset = nextMonth(now)
	}
}

func (t *Treasury) emit(event string, payload map[string]interface{}) {
	if t.bus != nil {
		t.bus.EmitSystem(event, "", payload)
	}
}
