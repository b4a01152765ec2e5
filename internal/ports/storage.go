package ports

import (
	"context"

	"github.com/alejandrodnm/spotbot/internal/domain"
)

// SessionStorage persists trading state across restarts. Optional: when no
// snapshot exists the engine seeds its ledgers from a live balance fetch.
type SessionStorage interface {
	ApplySchema(ctx context.Context) error

	// SaveSession persists the full ledger/risk snapshot, replacing any
	// previous one.
	SaveSession(ctx context.Context, snap domain.SessionSnapshot) error

	// LoadSession returns the stored snapshot. ok is false when none exists.
	LoadSession(ctx context.Context) (snap domain.SessionSnapshot, ok bool, err error)

	// SaveFill appends one confirmed fill to the fill log.
	SaveFill(ctx context.Context, fill domain.FillRecord) error

	// GetFills returns the fill log for a pair, oldest first. An empty pair
	// returns all fills.
	GetFills(ctx context.Context, pair string) ([]domain.FillRecord, error)

	// SaveDailySummary upserts the summary row for its calendar date.
	SaveDailySummary(ctx context.Context, s domain.DailySummary) error

	// GetDailySummaries returns all summaries, oldest first.
	GetDailySummaries(ctx context.Context) ([]domain.DailySummary, error)

	Close() error
}
