package budget

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

func parseLedgerTime(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000Z", s)
}

// Ledger is the durable SQLite store behind the in-memory budget and
// treasury histories. All writes are best-effort from the callers' view;
// failures are logged, never raised into the spend path.
type Ledger struct {
	db *sql.DB
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS budget_entries (
	id            TEXT PRIMARY KEY,
	ts            TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      REAL NOT NULL,
	session_id    TEXT
);
CREATE INDEX IF NOT EXISTS idx_budget_entries_ts ON budget_entries(ts);

CREATE TABLE IF NOT EXISTS treasury_txns (
	id            TEXT PRIMARY KEY,
	ts            TEXT NOT NULL,
	type          TEXT NOT NULL,
	amount_usd    REAL NOT NULL,
	description   TEXT,
	reference_id  TEXT,
	balance_after REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_treasury_txns_ts ON treasury_txns(ts);
`

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) InsertEntry(e Entry) error {
	_, err := l.db.Exec(
		`INSERT INTO budget_entries (id, ts, provider, model, input_tokens, output_tokens, cost_usd, session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		e.Provider, e.Model, e.InputTokens, e.OutputTokens, e.CostUSD, e.SessionID,
	)
	return err
}

func (l *Ledger) InsertTxn(t Txn) error {
	_, err := l.db.Exec(
		`INSERT INTO treasury_txns (id, ts, type, amount_usd, description, reference_id, balance_after)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		t.Type, t.AmountUSD, t.Description, t.ReferenceID, t.BalanceAfter,
	)
	return err
}

// RecentEntries returns the latest n budget entries, newest first.
func (l *Ledger) RecentEntries(n int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, ts, provider, model, input_tokens, output_tokens, cost_usd, COALESCE(session_id, '')
		 FROM budget_entries ORDER BY ts DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Provider, &e.Model, &e.InputTokens, &e.OutputTokens, &e.CostUSD, &e.SessionID); err != nil {
			return nil, err
		}
		e.Timestamp, _ = parseLedgerTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentTxns returns the latest n treasury transactions, newest first.
func (l *Ledger) RecentTxns(n int) ([]Txn, error) {
	rows, err := l.db.Query(
		`SELECT id, ts, type, amount_usd, COALESCE(description, ''), COALESCE(reference_id, ''), balance_after
		 FROM treasury_txns ORDER BY ts DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Txn
	for rows.Next() {
		var t Txn
		var ts string
		if err := rows.Scan(&t.ID, &ts, &t.Type, &t.AmountUSD, &t.Description, &t.ReferenceID, &t.BalanceAfter); err != nil {
			return nil, err
		}
		t.Timestamp, _ = parseLedgerTime(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}
