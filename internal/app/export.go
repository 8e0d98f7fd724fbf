package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"pledge-intake/internal/storage"
)

// Export renders historical decisions and price samples as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	if opts.MaxPoints <= 0 {
		opts.MaxPoints = a.Config.Export.MaxDataPoints
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	decisions, err := store.ListDecisionsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		a.Logger.Info().Msg("no decisions found for export window")
		return nil
	}

	downsampled := downsampleDecisions(decisions, opts.MaxPoints)
	a.Logger.Info().Int("total", len(decisions)).Int("exported", len(downsampled)).Msg("exporting decisions")

	if opts.CSVPath != "" {
		if err := writeDecisionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		samples, err := store.ListPriceSamplesBetween(ctx, from, to)
		if err != nil {
			return err
		}
		if err := writeDecisionsPNG(opts.PNGPath, downsampled, samples); err != nil {
			return err
		}
	}

	return nil
}

func downsampleDecisions(decisions []storage.DecisionRecord, max int) []storage.DecisionRecord {
	if max <= 0 || len(decisions) <= max {
		return decisions
	}

	result := make([]storage.DecisionRecord, 0, max)
	step := float64(len(decisions)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(decisions) {
			idx = len(decisions) - 1
		}
		result = append(result, decisions[idx])
	}
	return result
}

func writeDecisionsCSV(path string, decisions []storage.DecisionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"decided_at", "auction_ref", "pledge_id", "owner_ref", "amount", "price_usd", "accepted"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, d := range decisions {
		outcome := "true"
		if !d.Accepted {
			outcome = "false"
		}
		record := []string{
			d.DecidedAt.UTC().Format(time.RFC3339),
			d.AuctionRef,
			d.PledgeID,
			d.OwnerRef,
			d.Amount.String(),
			d.Price.String(),
			outcome,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeDecisionsPNG(path string, decisions []storage.DecisionRecord, samples []storage.PriceSampleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(decisions))
	raised := make([]float64, len(decisions))
	running := decimal.Zero
	for i, d := range decisions {
		x[i] = d.DecidedAt
		if d.Accepted {
			running = running.Add(d.Amount)
		}
		raised[i] = running.InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Raised total (native)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Raised total",
				XValues: x,
				YValues: raised,
			},
		},
	}

	if len(samples) > 0 {
		px := make([]time.Time, len(samples))
		py := make([]float64, len(samples))
		for i, s := range samples {
			px[i] = s.SampledAt
			py[i] = s.Value.InexactFloat64()
		}
		graph.YAxisSecondary = chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: valueFormatter,
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Oracle price",
			XValues: px,
			YValues: py,
			YAxis:   chart.YAxisSecondary,
		})
	}

	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
