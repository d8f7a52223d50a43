// Package reporter prints a periodic operator summary of every bot to the
// console.
package reporter

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"

	"martingale-core/pkg/db"
)

// SummarySource provides the reporting rows.
type SummarySource interface {
	BotSummaries(ctx context.Context) ([]db.BotSummary, error)
}

// Reporter renders the bot summary table on an interval.
type Reporter struct {
	repo     SummarySource
	log      *zap.Logger
	interval time.Duration
	out      io.Writer
}

// New builds a reporter writing to stdout.
func New(repo SummarySource, log *zap.Logger, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reporter{repo: repo, log: log, interval: interval, out: os.Stdout}
}

// Run prints the table on every tick until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Report(ctx); err != nil {
				r.log.Warn("bot summary report failed", zap.Error(err))
			}
		}
	}
}

// Report renders one summary table.
func (r *Reporter) Report(ctx context.Context) error {
	rows, err := r.repo.BotSummaries(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle("Bots @ %s", time.Now().Format("15:04:05"))
	t.AppendHeader(table.Row{"ID", "Symbol", "Status", "Cycle", "Invested", "Total Profit"})

	var totalProfit float64
	for _, row := range rows {
		t.AppendRow(table.Row{
			row.BotID,
			row.Symbol,
			row.Status,
			row.CycleSeq,
			fmt.Sprintf("%.2f", row.Invested),
			fmt.Sprintf("%.4f", row.TotalProfit),
		})
		totalProfit += row.TotalProfit
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", fmt.Sprintf("%.4f", totalProfit)})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.SetStyle(table.StyleLight)
	t.Render()
	return nil
}
