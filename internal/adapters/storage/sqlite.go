// Package storage persists trading sessions to SQLite.
//
// Layout:
//   - `session`: one meta row (capital, reset date, saved_at).
//   - `ledgers`: one row per pair. The per-venue quote map and the loss
//     history are small and venue-keyed, so they are stored as JSON columns
//     instead of extra tables.
//   - `fills`: append-only fill log.
//   - `daily_summaries`: one row per calendar date (UPSERT).
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/spotbot/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS session (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    saved_at        DATETIME NOT NULL,
    initial_capital REAL     NOT NULL,
    last_reset_date TEXT     NOT NULL
);

CREATE TABLE IF NOT EXISTS ledgers (
    pair         TEXT PRIMARY KEY,
    base_qty     REAL NOT NULL DEFAULT 0,
    entry_price  REAL,
    quote_json   TEXT NOT NULL DEFAULT '{}',
    total_fees   REAL NOT NULL DEFAULT 0,
    cum_cost     REAL NOT NULL DEFAULT 0,
    cum_revenue  REAL NOT NULL DEFAULT 0,
    daily_loss   REAL NOT NULL DEFAULT 0,
    loss_history TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS fills (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    pair      TEXT    NOT NULL,
    venue     TEXT    NOT NULL,
    side      TEXT    NOT NULL,
    qty       REAL    NOT NULL,
    price     REAL    NOT NULL,
    fee       REAL    NOT NULL,
    filled_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_summaries (
    date             TEXT PRIMARY KEY,
    orders_placed    INTEGER NOT NULL DEFAULT 0,
    orders_cancelled INTEGER NOT NULL DEFAULT 0,
    fills            INTEGER NOT NULL DEFAULT 0,
    realized_loss    REAL    NOT NULL DEFAULT 0,
    total_fees       REAL    NOT NULL DEFAULT 0,
    equity           REAL    NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_fills_pair ON fills(pair, filled_at);
`

// SQLite implements ports.SessionStorage using pure-Go SQLite (no CGo).
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at the given path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)
	return &SQLite{db: db}, nil
}

func (s *SQLite) ApplySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage.ApplySchema: %w", err)
	}
	return nil
}

func (s *SQLite) SaveSession(ctx context.Context, snap domain.SessionSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveSession: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session (id, saved_at, initial_capital, last_reset_date)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			saved_at        = excluded.saved_at,
			initial_capital = excluded.initial_capital,
			last_reset_date = excluded.last_reset_date`,
		snap.SavedAt.UTC(), snap.InitialCapital, snap.LastResetDate,
	); err != nil {
		return fmt.Errorf("storage.SaveSession: upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledgers`); err != nil {
		return fmt.Errorf("storage.SaveSession: clear ledgers: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ledgers
			(pair, base_qty, entry_price, quote_json, total_fees, cum_cost,
			 cum_revenue, daily_loss, loss_history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage.SaveSession: prepare: %w", err)
	}
	defer stmt.Close()

	for pair, ledger := range snap.Ledgers {
		quoteJSON, err := json.Marshal(ledger.QuoteBalance)
		if err != nil {
			return fmt.Errorf("storage.SaveSession: marshal quote %s: %w", pair, err)
		}
		historyJSON, err := json.Marshal(historyOrEmpty(snap.LossHistory[pair]))
		if err != nil {
			return fmt.Errorf("storage.SaveSession: marshal history %s: %w", pair, err)
		}
		var entry sql.NullFloat64
		if ledger.EntryPrice != nil {
			entry = sql.NullFloat64{Float64: *ledger.EntryPrice, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			pair, ledger.BaseQty, entry, string(quoteJSON),
			ledger.TotalFees, ledger.CumulativeCost, ledger.CumulativeRevenue,
			snap.DailyLosses[pair], string(historyJSON),
		); err != nil {
			return fmt.Errorf("storage.SaveSession: insert ledger %s: %w", pair, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveSession: commit: %w", err)
	}
	return nil
}

func historyOrEmpty(h []float64) []float64 {
	if h == nil {
		return []float64{}
	}
	return h
}

func (s *SQLite) LoadSession(ctx context.Context) (domain.SessionSnapshot, bool, error) {
	var snap domain.SessionSnapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT saved_at, initial_capital, last_reset_date FROM session WHERE id = 1`,
	).Scan(&snap.SavedAt, &snap.InitialCapital, &snap.LastResetDate)
	if err == sql.ErrNoRows {
		return domain.SessionSnapshot{}, false, nil
	}
	if err != nil {
		return domain.SessionSnapshot{}, false, fmt.Errorf("storage.LoadSession: session row: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, base_qty, entry_price, quote_json, total_fees, cum_cost,
		       cum_revenue, daily_loss, loss_history
		FROM ledgers`)
	if err != nil {
		return domain.SessionSnapshot{}, false, fmt.Errorf("storage.LoadSession: ledgers: %w", err)
	}
	defer rows.Close()

	snap.Ledgers = make(map[string]domain.LedgerSnapshot)
	snap.DailyLosses = make(map[string]float64)
	snap.LossHistory = make(map[string][]float64)

	for rows.Next() {
		var (
			pair                  string
			ledger                domain.LedgerSnapshot
			entry                 sql.NullFloat64
			quoteJSON, historyRaw string
			dailyLoss             float64
		)
		if err := rows.Scan(&pair, &ledger.BaseQty, &entry, &quoteJSON,
			&ledger.TotalFees, &ledger.CumulativeCost, &ledger.CumulativeRevenue,
			&dailyLoss, &historyRaw,
		); err != nil {
			return domain.SessionSnapshot{}, false, fmt.Errorf("storage.LoadSession: scan: %w", err)
		}
		if entry.Valid {
			p := entry.Float64
			ledger.EntryPrice = &p
		}
		if err := json.Unmarshal([]byte(quoteJSON), &ledger.QuoteBalance); err != nil {
			return domain.SessionSnapshot{}, false, fmt.Errorf("storage.LoadSession: quote %s: %w", pair, err)
		}
		var history []float64
		if err := json.Unmarshal([]byte(historyRaw), &history); err != nil {
			return domain.SessionSnapshot{}, false, fmt.Errorf("storage.LoadSession: history %s: %w", pair, err)
		}
		snap.Ledgers[pair] = ledger
		snap.DailyLosses[pair] = dailyLoss
		snap.LossHistory[pair] = history
	}
	if err := rows.Err(); err != nil {
		return domain.SessionSnapshot{}, false, fmt.Errorf("storage.LoadSession: rows: %w", err)
	}
	return snap, true, nil
}

func (s *SQLite) SaveFill(ctx context.Context, fill domain.FillRecord) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (pair, venue, side, qty, price, fee, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fill.Pair, fill.Venue, string(fill.Side), fill.Qty, fill.Price, fill.Fee, fill.Time.UTC(),
	); err != nil {
		return fmt.Errorf("storage.SaveFill: %w", err)
	}
	return nil
}

func (s *SQLite) GetFills(ctx context.Context, pair string) ([]domain.FillRecord, error) {
	query := `SELECT pair, venue, side, qty, price, fee, filled_at FROM fills`
	args := []any{}
	if pair != "" {
		query += ` WHERE pair = ?`
		args = append(args, pair)
	}
	query += ` ORDER BY filled_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.GetFills: %w", err)
	}
	defer rows.Close()

	var fills []domain.FillRecord
	for rows.Next() {
		var f domain.FillRecord
		var side string
		if err := rows.Scan(&f.Pair, &f.Venue, &side, &f.Qty, &f.Price, &f.Fee, &f.Time); err != nil {
			return nil, fmt.Errorf("storage.GetFills: scan: %w", err)
		}
		f.Side = domain.Side(side)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *SQLite) SaveDailySummary(ctx context.Context, d domain.DailySummary) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_summaries
			(date, orders_placed, orders_cancelled, fills, realized_loss, total_fees, equity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			orders_placed    = excluded.orders_placed,
			orders_cancelled = excluded.orders_cancelled,
			fills            = excluded.fills,
			realized_loss    = excluded.realized_loss,
			total_fees       = excluded.total_fees,
			equity           = excluded.equity`,
		d.Date.UTC().Format("2006-01-02"),
		d.OrdersPlaced, d.OrdersCancelled, d.Fills, d.RealizedLoss, d.TotalFees, d.Equity,
	); err != nil {
		return fmt.Errorf("storage.SaveDailySummary: %w", err)
	}
	return nil
}

func (s *SQLite) GetDailySummaries(ctx context.Context) ([]domain.DailySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, orders_placed, orders_cancelled, fills, realized_loss, total_fees, equity
		FROM daily_summaries ORDER BY date ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetDailySummaries: %w", err)
	}
	defer rows.Close()

	var out []domain.DailySummary
	for rows.Next() {
		var d domain.DailySummary
		var date string
		if err := rows.Scan(&date, &d.OrdersPlaced, &d.OrdersCancelled, &d.Fills,
			&d.RealizedLoss, &d.TotalFees, &d.Equity,
		); err != nil {
			return nil, fmt.Errorf("storage.GetDailySummaries: scan: %w", err)
		}
		d.Date, _ = time.Parse("2006-01-02", date)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
