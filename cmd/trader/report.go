package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/spotbot/internal/application/engine"
	"github.com/alejandrodnm/spotbot/internal/ports"
)

// printReport renders the final session P&L table.
func printReport(r *engine.Report) {
	if r == nil {
		return
	}

	fmt.Printf("\n=== SESSION REPORT — P&L %.2f (equity %.2f / initial %.2f) ===\n",
		r.PnL(), r.FinalEquity, r.InitialCapital)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Pair", "Residual", "Quote", "Cost", "Revenue", "Loss", "Fees")
	for _, p := range r.Pairs {
		table.Append(
			p.Pair,
			fmt.Sprintf("%.6f", p.BaseQty),
			fmt.Sprintf("%.2f", p.Quote),
			fmt.Sprintf("%.2f", p.Cost),
			fmt.Sprintf("%.2f", p.Revenue),
			fmt.Sprintf("%.2f", p.RealizedLoss),
			fmt.Sprintf("%.4f", p.TotalFees),
		)
	}
	table.Render()
	fmt.Printf("  total fees %.4f | residuals below the sell minimum stay as dust\n\n", r.TotalFees)
}

// printSummaries renders the stored daily summaries.
func printSummaries(ctx context.Context, store ports.SessionStorage) {
	summaries, err := store.GetDailySummaries(ctx)
	if err != nil {
		slog.Error("failed to read summaries", "err", err)
		os.Exit(1)
	}
	if len(summaries) == 0 {
		fmt.Println("no stored daily summaries")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Date", "Orders", "Cancelled", "Fills", "Loss", "Fees", "Equity")
	for _, d := range summaries {
		table.Append(
			d.Date.Format("2006-01-02"),
			fmt.Sprintf("%d", d.OrdersPlaced),
			fmt.Sprintf("%d", d.OrdersCancelled),
			fmt.Sprintf("%d", d.Fills),
			fmt.Sprintf("%.2f", d.RealizedLoss),
			fmt.Sprintf("%.4f", d.TotalFees),
			fmt.Sprintf("%.2f", d.Equity),
		)
	}
	table.Render()
}
