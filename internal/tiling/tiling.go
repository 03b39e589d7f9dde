// Package tiling splits a raster into a row-major grid of independently
// georeferenced square tiles.
package tiling

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
)

const DefaultTileSize = 256

var ErrNominalSizeMismatch = errors.New("raster size differs from the configured nominal size")

// Tile is one written tile and its place in the parent raster.
type Tile struct {
	Path         string
	Window       raster.Window
	GeoTransform [6]float64
}

// Name is the file name of the tile whose top left pixel is (x, y).
func Name(x, y int) string {
	return fmt.Sprintf("tile_%d_%d.tif", x, y)
}

// Windows partitions a width x height raster into size x size windows in
// row-major order. Windows on the right and bottom edges are clipped to the
// raster and may be smaller than size.
func Windows(width, height, size int) []raster.Window {
	var windows []raster.Window
	for y := 0; y < height; y += size {
		for x := 0; x < width; x += size {
			windows = append(windows, raster.Window{
				X:      x,
				Y:      y,
				Width:  min(size, width-x),
				Height: min(size, height-y),
			})
		}
	}
	return windows
}

// Tiler writes tiles with the measured raster dimensions. When NominalWidth
// and NominalHeight are set, a raster of any other size is rejected instead.
type Tiler struct {
	Store         raster.Store
	TileSize      int
	NominalWidth  int
	NominalHeight int
	Quiet         bool
	Log           logrus.FieldLogger
}

func New(store raster.Store, tileSize int, log logrus.FieldLogger) *Tiler {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tiler{Store: store, TileSize: tileSize, Log: log}
}

// Tile writes every tile of src into outDir, which is created if needed.
func (t *Tiler) Tile(ctx context.Context, src, outDir string) ([]Tile, error) {
	meta, err := t.Store.Info(src)
	if err != nil {
		return nil, err
	}
	if t.NominalWidth > 0 && t.NominalHeight > 0 &&
		(meta.Width != t.NominalWidth || meta.Height != t.NominalHeight) {
		return nil, fmt.Errorf("%w: %s is %dx%d, expected %dx%d", ErrNominalSizeMismatch, src,
			meta.Width, meta.Height, t.NominalWidth, t.NominalHeight)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tiles directory %s: %w", outDir, err)
	}

	windows := Windows(meta.Width, meta.Height, t.TileSize)
	t.Log.WithFields(logrus.Fields{
		"raster": src,
		"width":  meta.Width,
		"height": meta.Height,
		"tiles":  len(windows),
	}).Info("Tiling")

	var bar *progressbar.ProgressBar
	if t.Quiet {
		bar = progressbar.DefaultSilent(int64(len(windows)))
	} else {
		bar = progressbar.Default(int64(len(windows)), "Tiling")
	}
	defer bar.Finish()

	tiles := make([]Tile, 0, len(windows))
	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(outDir, Name(w.X, w.Y))
		if err := t.Store.Translate(src, path, w); err != nil {
			return nil, err
		}
		tiles = append(tiles, Tile{
			Path:         path,
			Window:       w,
			GeoTransform: raster.TileGeoTransform(meta.GeoTransform, w.X, w.Y),
		})
		bar.Add(1)
	}
	return tiles, nil
}
