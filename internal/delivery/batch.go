// Package delivery runs the change detection pipeline over a CSV list of image
// pairs and reports the outcome of each one.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/andrewGIS/ml-forest-backend/internal/pipeline"
)

var ErrPairsFailed = errors.New("some image pairs failed")

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

type PairRow struct {
	Old        string  `csv:"old"`
	New        string  `csv:"new"`
	Resolution float64 `csv:"resolution"`
	TileSize   int     `csv:"tile_size"`
}

type ReportRow struct {
	Old            string `csv:"old"`
	New            string `csv:"new"`
	Status         string `csv:"status"`
	Mosaic         string `csv:"mosaic"`
	PredictedTiles int    `csv:"predicted_tiles"`
	SkippedTiles   int    `csv:"skipped_tiles"`
	Duration       string `csv:"duration"`
	Error          string `csv:"error"`
}

type PairRunner interface {
	Run(ctx context.Context, pair pipeline.Pair) (pipeline.Manifest, error)
}

type Notifier interface {
	SendErrorNotification(ctx context.Context, message string) error
	SendSuccessNotification(ctx context.Context, message string) error
}

// ReadPairs reads a CSV with the columns old,new and the optional
// resolution,tile_size.
func ReadPairs(path string) ([]pipeline.Pair, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pairs file: %w", err)
	}
	defer file.Close()

	var rows []*PairRow
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, fmt.Errorf("failed to read pairs from %s: %w", path, err)
	}
	pairs := make([]pipeline.Pair, 0, len(rows))
	for i, row := range rows {
		pair := pipeline.Pair{
			Old:        strings.TrimSpace(row.Old),
			New:        strings.TrimSpace(row.New),
			Resolution: row.Resolution,
			TileSize:   row.TileSize,
		}
		if err := pair.Validate(); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, i+2, err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func WriteReport(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	defer file.Close()
	if err := gocsv.MarshalFile(&rows, file); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}

// Batch runs pairs concurrently. A failed pair never stops the others.
type Batch struct {
	Runner   PairRunner
	Parallel int
	Notifier Notifier
	Log      logrus.FieldLogger
}

// Run returns one report row per pair, in input order. The error wraps
// ErrPairsFailed when at least one pair failed.
func (b *Batch) Run(ctx context.Context, pairs []pipeline.Pair) ([]ReportRow, error) {
	log := b.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	parallel := b.Parallel
	if parallel <= 0 {
		parallel = 1
	}

	rows := make([]ReportRow, len(pairs))
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, pair := range pairs {
		g.Go(func() error {
			start := time.Now()
			m, err := b.Runner.Run(ctx, pair)
			row := ReportRow{
				Old:      pair.Old,
				New:      pair.New,
				Status:   StatusOK,
				Duration: time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				row.Status = StatusFailed
				row.Error = err.Error()
				log.WithError(err).WithField("pair", pair.Name()).Error("Image pair failed")
			} else {
				row.Mosaic = m.Artifacts.Mosaic
				row.PredictedTiles = m.PredictedTiles
				row.SkippedTiles = m.SkippedTiles
			}
			rows[i] = row
			return nil
		})
	}
	g.Wait()

	var failed []string
	for _, row := range rows {
		if row.Status == StatusFailed {
			failed = append(failed, fmt.Sprintf("%s_%s: %s", row.Old, row.New, row.Error))
		}
	}
	b.notify(ctx, log, len(pairs), failed)
	if len(failed) > 0 {
		return rows, fmt.Errorf("%w: %d of %d", ErrPairsFailed, len(failed), len(pairs))
	}
	return rows, nil
}

func (b *Batch) notify(ctx context.Context, log logrus.FieldLogger, total int, failed []string) {
	if b.Notifier == nil {
		return
	}
	var err error
	if len(failed) > 0 {
		err = b.Notifier.SendErrorNotification(ctx, fmt.Sprintf("%d of %d image pairs failed.\n%s", len(failed), total, strings.Join(failed, "\n")))
	} else {
		err = b.Notifier.SendSuccessNotification(ctx, fmt.Sprintf("Change detection finished for %d image pairs", total))
	}
	if err != nil {
		log.WithError(err).Warn("Failed to send notification")
	}
}
