package ml

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
	"github.com/andrewGIS/ml-forest-backend/internal/utils"
)

// Scale normalizes 16-bit reflectances to [0, 1).
const Scale = 65536.0

const DefaultExt = ".tif"

// Stats counts the tiles handled by a run.
type Stats struct {
	Predicted int
	Skipped   int
}

// Runner predicts every tile of a folder with one shared model.
type Runner struct {
	Store    raster.Store
	TileSize int
	Workers  int
	Ext      string
	Quiet    bool
	Log      logrus.FieldLogger
}

func NewRunner(store raster.Store, tileSize, workers int, log logrus.FieldLogger) *Runner {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{Store: store, TileSize: tileSize, Workers: workers, Ext: DefaultExt, Log: log}
}

// Run writes one prediction per valid tile of inDir into outDir under the same
// file name. Tiles that are not TileSize x TileSize are skipped. Tiles are
// processed concurrently in no particular order; the first error stops the
// run.
func (r *Runner) Run(ctx context.Context, model Model, inDir, outDir string) (Stats, error) {
	ext := r.Ext
	if ext == "" {
		ext = DefaultExt
	}
	names, err := utils.ListFiles(inDir, ext)
	if err != nil {
		return Stats{}, err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return Stats{}, fmt.Errorf("failed to create predictions directory %s: %w", outDir, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		stats    Stats
		firstErr error
		stopOnce sync.Once
		bar      *progressbar.ProgressBar
	)
	if r.Quiet {
		bar = progressbar.DefaultSilent(int64(len(names)))
	} else {
		bar = progressbar.Default(int64(len(names)), "Predicting tiles")
	}

	wp := workerpool.New(r.Workers)
	for _, name := range names {
		in := filepath.Join(inDir, name)
		out := filepath.Join(outDir, name)
		wp.Submit(func() {
			if runCtx.Err() != nil {
				return
			}
			written, err := r.predictTile(runCtx, model, in, out)
			if err != nil {
				stopOnce.Do(func() {
					firstErr = err
					cancel()
				})
				return
			}
			mu.Lock()
			if written {
				stats.Predicted++
			} else {
				stats.Skipped++
			}
			bar.Add(1)
			mu.Unlock()
		})
	}
	wp.StopWait()
	bar.Finish()

	if firstErr != nil {
		return stats, firstErr
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (r *Runner) predictTile(ctx context.Context, model Model, in, out string) (bool, error) {
	meta, grids, err := r.Store.ReadBands(in)
	if err != nil {
		return false, err
	}
	if meta.Width != r.TileSize || meta.Height != r.TileSize {
		r.Log.WithFields(logrus.Fields{
			"tile":   filepath.Base(in),
			"width":  meta.Width,
			"height": meta.Height,
		}).Warn("Incorrect tile shape, skipping")
		return false, nil
	}

	pred, err := model.Predict(ctx, TileTensor(grids))
	if err != nil {
		return false, fmt.Errorf("failed to predict %s: %w", in, err)
	}
	grid, err := FirstChannel(pred, meta.Width, meta.Height)
	if err != nil {
		return false, fmt.Errorf("failed to predict %s: %w", in, err)
	}

	w, err := r.Store.Create(out, raster.CreateOptions{
		Width:        meta.Width,
		Height:       meta.Height,
		Bands:        1,
		Type:         raster.Float32,
		GeoTransform: meta.GeoTransform,
		Projection:   meta.Projection,
	})
	if err != nil {
		return false, err
	}
	if err := w.WriteBand(1, grid); err != nil {
		w.Close()
		return false, err
	}
	return true, w.Close()
}

// TileTensor packs the bands of one tile into a [1, h, w, bands] tensor
// scaled by 1/Scale.
func TileTensor(grids []raster.Grid) Tensor {
	if len(grids) == 0 {
		return Tensor{}
	}
	h, w, bands := grids[0].Height, grids[0].Width, len(grids)
	t := NewTensor(1, h, w, bands)
	for b, g := range grids {
		for i, v := range g.Data {
			t.Data[i*bands+b] = float32(v / Scale)
		}
	}
	return t
}

// FirstChannel extracts channel 0 of the first image of an NHWC (or NHW)
// prediction.
func FirstChannel(pred Tensor, width, height int) (raster.Grid, error) {
	if err := pred.Validate(); err != nil {
		return raster.Grid{}, err
	}
	channels := 1
	switch len(pred.Shape) {
	case 4:
		channels = pred.Shape[3]
	case 3:
	default:
		return raster.Grid{}, fmt.Errorf("unexpected prediction shape %v", pred.Shape)
	}
	if pred.Shape[1] != height || pred.Shape[2] != width {
		return raster.Grid{}, fmt.Errorf("prediction shape %v does not match tile %dx%d", pred.Shape, width, height)
	}

	grid := raster.NewGrid(width, height)
	for i := range grid.Data {
		grid.Data[i] = float64(pred.Data[i*channels])
	}
	return grid, nil
}
