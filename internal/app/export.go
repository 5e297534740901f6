package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gil9red/currency-rates-telegram-bot/internal/chart"
	"github.com/gil9red/currency-rates-telegram-bot/internal/storage"
)

// Export writes the observations of one currency as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if strings.TrimSpace(opts.Code) == "" {
		return errors.New("--code is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from, err := a.Config.StartDate()
	if err != nil {
		return err
	}
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if to.Before(from) {
		return errors.New("from must not be after to")
	}

	return a.exportObservations(ctx, store, opts, from, to)
}

func (a *App) exportObservations(ctx context.Context, store storage.RateStore, opts ExportOptions, from, to time.Time) error {
	code := strings.ToUpper(strings.TrimSpace(opts.Code))
	observations, err := store.ListObservationsBetween(ctx, code, from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Str("currency", code).Msg("no observations found for export window")
		return nil
	}

	points := make([]chart.Point, len(observations))
	for i, obs := range observations {
		points[i] = chart.Point{Date: obs.Date, Value: obs.Value}
	}
	sampled := chart.Downsample(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(sampled)).Str("currency", code).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, code, sampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		renderer := chart.NewRenderer(a.Config.Chart.Width, a.Config.Chart.Height)
		if err := writePointsPNG(opts.PNGPath, renderer, chart.Title(code, sampled), sampled); err != nil {
			return err
		}
	}

	return nil
}

func writePointsCSV(path, code string, points []chart.Point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"date", "currency_code", "value"}); err != nil {
		return err
	}
	for _, p := range points {
		if err := writer.Write([]string{p.Date.Format(time.DateOnly), code, p.Value.String()}); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePointsPNG(path string, renderer *chart.Renderer, title string, points []chart.Point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return renderer.Render(file, title, points)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
