package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/vyper-protocol/vyper-core-sub000/internal/storage"
)

// Export renders the refresh history of a tranche as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	rt, err := a.buildPersistent(ctx, "export")
	if err != nil {
		return err
	}
	defer rt.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := rt.store.ListRefreshRecordsBetween(ctx, opts.TrancheID, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no refreshes found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting refresh history")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRecordsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []storage.RefreshRecord, max int) []storage.RefreshRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.RefreshRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeRecordsCSV(path string, records []storage.RefreshRecord) error {
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

	header := []string{"created_at", "tick", "outcome", "senior_quantity", "junior_quantity", "fee", "reserve_fair_value", "senior_fair_value", "junior_fair_value", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		row := []string{
			rec.CreatedAt.UTC().Format(time.RFC3339),
			strconv.FormatUint(rec.Tick, 10),
			rec.Outcome,
			strconv.FormatUint(rec.DepositedQuantity[0], 10),
			strconv.FormatUint(rec.DepositedQuantity[1], 10),
			strconv.FormatUint(rec.Fee, 10),
			rec.ReserveFairValue[0].String(),
			rec.TrancheFairValue[0].String(),
			rec.TrancheFairValue[1].String(),
			errMsg,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	return writer.Error()
}

// writeRecordsPNG 只绘制成功提交的刷新，失败记录不含新状态。
func writeRecordsPNG(path string, records []storage.RefreshRecord) error {
	var x []time.Time
	var reserve, senior, junior []float64
	for _, rec := range records {
		if !rec.OK() {
			continue
		}
		x = append(x, rec.CreatedAt)
		reserve = append(reserve, rec.ReserveFairValue[0].InexactFloat64())
		senior = append(senior, rec.TrancheFairValue[0].InexactFloat64())
		junior = append(junior, rec.TrancheFairValue[1].InexactFloat64())
	}
	if len(x) < 2 {
		return errors.New("need at least two successful refreshes to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
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
			Name:           "Tranche fair value",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Reserve fair value",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Senior",
				XValues: x,
				YValues: senior,
			},
			chart.TimeSeries{
				Name:    "Junior",
				XValues: x,
				YValues: junior,
			},
			chart.TimeSeries{
				Name:    "Reserve",
				XValues: x,
				YValues: reserve,
				YAxis:   chart.YAxisSecondary,
			},
		},
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
