package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/manash/lingolens/internal/config"
	"github.com/manash/lingolens/internal/ledger"
)

func newCostCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cost [today|week|month|total|provider|operation|recent]",
		Short: "Show recorded model usage costs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCost(app, args)
		},
	}
}

func runCost(app *App, args []string) error {
	ctx := context.Background()

	cfg := app.ledgerConfig()
	store, err := app.NewLedger(cfg)
	if err != nil {
		return fmt.Errorf("failed to open usage ledger: %w", err)
	}
	defer store.Close()

	sub := "total"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	tomorrow := today.AddDate(0, 0, 1)

	switch sub {
	case "today":
		return printRange(ctx, app, store, "Today's cost", today, tomorrow)
	case "week":
		return printRange(ctx, app, store, "This week's cost", tomorrow.AddDate(0, 0, -7), tomorrow)
	case "month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return printRange(ctx, app, store, "This month's cost", start, tomorrow)
	case "total":
		summary, err := store.GetTotalCost(ctx)
		if err != nil {
			return err
		}
		printCostSummary(app, "Total cost", summary)
		return nil
	case "provider":
		return printGroups(ctx, app, "Provider", store.GetCostByProvider)
	case "operation", "op":
		return printGroups(ctx, app, "Operation", store.GetCostByOperation)
	case "recent":
		return printRecent(ctx, app, store, 20)
	default:
		return fmt.Errorf("unknown cost command %q: use today, week, month, total, provider, operation or recent", sub)
	}
}

func (app *App) ledgerConfig() config.LedgerConfig {
	if app.cfg == nil {
		return config.LedgerConfig{Enabled: true}
	}
	return app.cfg.Ledger
}

func printRange(ctx context.Context, app *App, store *ledger.Store, label string, start, end time.Time) error {
	summary, err := store.GetCostByDateRange(ctx, start, end)
	if err != nil {
		return err
	}
	printCostSummary(app, label, summary)
	return nil
}

func printCostSummary(app *App, label string, s *ledger.Summary) {
	fmt.Fprintf(app.Out, "%s: $%.4f\n", label, s.TotalCost)
	fmt.Fprintf(app.Out, "  Calls:         %d\n", s.EntryCount)
	fmt.Fprintf(app.Out, "  Input tokens:  %d\n", s.InputTokens)
	fmt.Fprintf(app.Out, "  Output tokens: %d\n", s.OutputTokens)
}

func printGroups(ctx context.Context, app *App, title string, fetch func(context.Context) ([]ledger.GroupSummary, error)) error {
	groups, err := fetch(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Fprintln(app.Out, "No costs recorded yet.")
		return nil
	}

	fmt.Fprintf(app.Out, "%-20s  %-6s  %s\n", title, "Calls", "Cost")
	fmt.Fprintln(app.Out, strings.Repeat("-", 42))
	for _, g := range groups {
		fmt.Fprintf(app.Out, "%-20s  %-6d  $%.4f\n", g.Key, g.EntryCount, g.TotalCost)
	}
	return nil
}

func printRecent(ctx context.Context, app *App, store *ledger.Store, limit int) error {
	entries, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(app.Out, "No costs recorded yet.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(app.Out, "%s  %-18s  %-8s %-16s  %6d/%-6d  $%.4f\n",
			e.Timestamp.Local().Format("2006-01-02 15:04"), e.Operation, e.Provider, e.Model,
			e.InputTokens, e.OutputTokens, e.Cost)
	}
	return nil
}
