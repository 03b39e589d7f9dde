package tiling

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
	"github.com/andrewGIS/ml-forest-backend/internal/testutil"
)

func TestWindows_ExactMultiple(t *testing.T) {
	windows := Windows(512, 768, 256)

	require.Len(t, windows, 2*3)
	covered := make(map[[2]int]int)
	for _, w := range windows {
		assert.Equal(t, 256, w.Width)
		assert.Equal(t, 256, w.Height)
		for y := w.Y; y < w.Y+w.Height; y++ {
			for x := w.X; x < w.X+w.Width; x++ {
				covered[[2]int{x, y}]++
			}
		}
	}
	assert.Len(t, covered, 512*768)
	for px, n := range covered {
		if n != 1 {
			t.Fatalf("pixel %v covered %d times", px, n)
		}
	}
}

func TestWindows_RowMajorWithClippedEdges(t *testing.T) {
	windows := Windows(5, 3, 2)

	assert.Equal(t, []raster.Window{
		{X: 0, Y: 0, Width: 2, Height: 2},
		{X: 2, Y: 0, Width: 2, Height: 2},
		{X: 4, Y: 0, Width: 1, Height: 2},
		{X: 0, Y: 2, Width: 2, Height: 1},
		{X: 2, Y: 2, Width: 2, Height: 1},
		{X: 4, Y: 2, Width: 1, Height: 1},
	}, windows)
}

func TestName(t *testing.T) {
	assert.Equal(t, "tile_256_0.tif", Name(256, 0))
}

func writeSource(t *testing.T, store raster.Store, width, height int) (string, [6]float64) {
	t.Helper()
	gt := raster.NorthUpGeoTransform(500000, 6300000, 20)
	src := filepath.Join(t.TempDir(), "A_B.tif")
	grids := make([]raster.Grid, 3)
	for b := range grids {
		b := b
		grids[b] = testutil.Fill(width, height, func(x, y int) float64 { return float64(b*10000 + y*width + x) })
	}
	testutil.WriteRaster(t, store, src, raster.Float32, gt, testutil.Projection(t), grids...)
	return src, gt
}

func TestTile(t *testing.T) {
	store := testutil.Store(t)
	src, gt := writeSource(t, store, 8, 4)
	out := filepath.Join(t.TempDir(), "tiles")
	tiler := New(store, 4, nil)
	tiler.Quiet = true

	tiles, err := tiler.Tile(context.Background(), src, out)

	require.NoError(t, err)
	require.Len(t, tiles, 2)
	for _, tile := range tiles {
		assert.Equal(t, filepath.Join(out, Name(tile.Window.X, tile.Window.Y)), tile.Path)

		meta, grids, err := store.ReadBands(tile.Path)
		require.NoError(t, err)
		assert.Equal(t, 4, meta.Width)
		assert.Equal(t, 4, meta.Height)
		assert.Len(t, grids, 3)
		assert.Equal(t, [6]float64{gt[0] + float64(tile.Window.X)*20, 20, 0, gt[3] - float64(tile.Window.Y)*20, 0, -20}, meta.GeoTransform)
		assert.Equal(t, tile.GeoTransform, meta.GeoTransform)

		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				want := float64(2*10000 + (tile.Window.Y+y)*8 + tile.Window.X + x)
				assert.Equal(t, want, grids[2].At(x, y))
			}
		}
	}
}

func TestTile_MeasuredEdgeTiles(t *testing.T) {
	store := testutil.Store(t)
	src, _ := writeSource(t, store, 6, 5)
	tiler := New(store, 4, nil)
	tiler.Quiet = true

	tiles, err := tiler.Tile(context.Background(), src, t.TempDir())

	require.NoError(t, err)
	require.Len(t, tiles, 4)
	last := tiles[3]
	meta, err := store.Info(last.Path)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Width)
	assert.Equal(t, 1, meta.Height)
}

func TestTile_NominalSizeMismatch(t *testing.T) {
	store := testutil.Store(t)
	src, _ := writeSource(t, store, 6, 5)
	tiler := New(store, 4, nil)
	tiler.NominalWidth, tiler.NominalHeight = 5490, 5490
	out := filepath.Join(t.TempDir(), "tiles")

	_, err := tiler.Tile(context.Background(), src, out)

	assert.ErrorIs(t, err, ErrNominalSizeMismatch)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestTile_Cancelled(t *testing.T) {
	store := testutil.Store(t)
	src, _ := writeSource(t, store, 8, 8)
	tiler := New(store, 4, nil)
	tiler.Quiet = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tiler.Tile(ctx, src, t.TempDir())

	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteIndex(t *testing.T) {
	gt := raster.NorthUpGeoTransform(0, 100, 10)
	tiles := []Tile{
		{Path: "/x/tile_0_0.tif", Window: raster.Window{X: 0, Y: 0, Width: 2, Height: 2}, GeoTransform: raster.TileGeoTransform(gt, 0, 0)},
		{Path: "/x/tile_2_0.tif", Window: raster.Window{X: 2, Y: 0, Width: 1, Height: 2}, GeoTransform: raster.TileGeoTransform(gt, 2, 0)},
	}
	path := filepath.Join(t.TempDir(), IndexName)

	require.NoError(t, WriteIndex(tiles, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	second := fc.Features[1]
	assert.Equal(t, "tile_2_0.tif", second.Properties["file"])
	b := second.Geometry.Bound()
	assert.Equal(t, 20.0, b.Min.X())
	assert.Equal(t, 30.0, b.Max.X())
	assert.Equal(t, 80.0, b.Min.Y())
	assert.Equal(t, 100.0, b.Max.Y())

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "FeatureCollection", raw["type"])
}
