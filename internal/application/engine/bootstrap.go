package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/spotbot/internal/application/risk"
	"github.com/alejandrodnm/spotbot/internal/domain"
	"github.com/alejandrodnm/spotbot/internal/ports"
)

// Bootstrap builds the session's starting ledgers and risk state. A stored
// snapshot wins when one exists; otherwise each venue's free quote balance
// is fetched live and split evenly across the pairs. A balance fetch
// failure here is an unrecoverable startup error.
func Bootstrap(ctx context.Context, pairs []string, venues []ports.Exchange, store ports.SessionStorage) (map[string]*domain.PairLedger, *risk.State, float64, error) {
	if store != nil {
		snap, ok, err := store.LoadSession(ctx)
		if err != nil {
			slog.Warn("stored session unreadable, falling back to live balances", "err", err)
		} else if ok {
			return restoreSession(pairs, venues, snap)
		}
	}
	return seedFromBalances(ctx, pairs, venues)
}

func restoreSession(pairs []string, venues []ports.Exchange, snap domain.SessionSnapshot) (map[string]*domain.PairLedger, *risk.State, float64, error) {
	ledgers := make(map[string]*domain.PairLedger, len(pairs))
	for _, pair := range pairs {
		ledger := domain.NewPairLedger(emptyQuote(venues))
		if ls, ok := snap.Ledgers[pair]; ok {
			ledger.Restore(ls)
		}
		ledgers[pair] = ledger
	}

	state := risk.NewState(time.Now())
	if snap.LastResetDate != "" {
		state.LastResetDate = snap.LastResetDate
	}
	for pair, loss := range snap.DailyLosses {
		state.DailyLosses[pair] = loss
	}
	for pair, history := range snap.LossHistory {
		state.LossHistory[pair] = append([]float64(nil), history...)
	}

	slog.Info("session restored from snapshot",
		"saved_at", snap.SavedAt.Format(time.RFC3339),
		"initial_capital", fmt.Sprintf("%.2f", snap.InitialCapital),
		"pairs", len(snap.Ledgers),
	)
	return ledgers, state, snap.InitialCapital, nil
}

func seedFromBalances(ctx context.Context, pairs []string, venues []ports.Exchange) (map[string]*domain.PairLedger, *risk.State, float64, error) {
	if len(pairs) == 0 {
		return nil, nil, 0, fmt.Errorf("engine.Bootstrap: no pairs configured")
	}
	_, quoteAsset := domain.SplitPair(pairs[0])

	perVenue := make(map[string]float64, len(venues))
	var initialCapital float64
	for _, ex := range venues {
		balances, err := ex.FetchBalance(ctx)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("engine.Bootstrap: balance fetch on %s: %w", ex.Name(), err)
		}
		free := balances[quoteAsset].Free
		perVenue[ex.Name()] = free / float64(len(pairs))
		initialCapital += free
		slog.Info("venue balance",
			"venue", ex.Name(), "asset", quoteAsset, "free", fmt.Sprintf("%.2f", free))
	}

	ledgers := make(map[string]*domain.PairLedger, len(pairs))
	for _, pair := range pairs {
		quote := make(map[string]float64, len(perVenue))
		for venue, share := range perVenue {
			quote[venue] = share
		}
		ledgers[pair] = domain.NewPairLedger(quote)
	}

	slog.Info("session seeded from live balances",
		"initial_capital", fmt.Sprintf("%.2f", initialCapital), "pairs", len(pairs))
	return ledgers, risk.NewState(time.Now()), initialCapital, nil
}

func emptyQuote(venues []ports.Exchange) map[string]float64 {
	quote := make(map[string]float64, len(venues))
	for _, ex := range venues {
		quote[ex.Name()] = 0
	}
	return quote
}
