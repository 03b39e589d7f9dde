package mosaic

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
	"github.com/andrewGIS/ml-forest-backend/internal/testutil"
	"github.com/andrewGIS/ml-forest-backend/internal/tiling"
)

var origin = raster.NorthUpGeoTransform(500000, 6300000, 20)

func writePrediction(t *testing.T, store raster.Store, dir string, x, y, w, h int, v float64) {
	t.Helper()
	name := filepath.Join(dir, tiling.Name(x, y))
	testutil.WriteRaster(t, store, name, raster.Float32, raster.TileGeoTransform(origin, x, y),
		testutil.Projection(t), testutil.Constant(w, h, v))
}

func TestMerge(t *testing.T) {
	store := testutil.Store(t)
	in := t.TempDir()
	writePrediction(t, store, in, 0, 0, 2, 2, 0.25)
	writePrediction(t, store, in, 2, 0, 2, 2, 0.5)
	writePrediction(t, store, in, 2, 2, 1, 1, 0.75)
	out := filepath.Join(t.TempDir(), "stacks", "mosaic.tif")

	meta, err := New(store, nil).Merge(context.Background(), in, out)

	require.NoError(t, err)
	assert.Equal(t, 4, meta.Width)
	assert.Equal(t, 3, meta.Height)
	assert.Equal(t, raster.Float32, meta.Type)
	assert.Equal(t, origin, meta.GeoTransform)
	assert.NoFileExists(t, out+".partial")
	assert.NoFileExists(t, out+".partial.vrt")

	grid, err := store.ReadBand(out, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.25, grid.At(1, 1))
	assert.Equal(t, 0.5, grid.At(3, 0))
	assert.Equal(t, 0.75, grid.At(2, 2))
	// no tile covers the lower left corner
	assert.Equal(t, 0.0, grid.At(0, 2))
}

func TestMerge_OrderIndependent(t *testing.T) {
	store := testutil.Store(t)
	first, second := t.TempDir(), t.TempDir()
	writePrediction(t, store, first, 0, 0, 2, 2, 0.25)
	writePrediction(t, store, first, 2, 0, 2, 2, 0.5)
	writePrediction(t, store, second, 2, 0, 2, 2, 0.5)
	writePrediction(t, store, second, 0, 0, 2, 2, 0.25)
	merger := New(store, nil)
	a := filepath.Join(t.TempDir(), "a.tif")
	b := filepath.Join(t.TempDir(), "b.tif")

	_, err := merger.Merge(context.Background(), first, a)
	require.NoError(t, err)
	_, err = merger.Merge(context.Background(), second, b)
	require.NoError(t, err)

	ga, err := store.ReadBand(a, 1)
	require.NoError(t, err)
	gb, err := store.ReadBand(b, 1)
	require.NoError(t, err)
	assert.Equal(t, ga, gb)
}

func TestMerge_Empty(t *testing.T) {
	in := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(in, "notes.txt"), nil, 0644))
	out := filepath.Join(t.TempDir(), "mosaic.tif")

	_, err := New(testutil.Store(t), nil).Merge(context.Background(), in, out)

	assert.ErrorIs(t, err, ErrEmptyMosaic)
	assert.NoFileExists(t, out)
}

func TestMerge_Cancelled(t *testing.T) {
	store := testutil.Store(t)
	in := t.TempDir()
	writePrediction(t, store, in, 0, 0, 2, 2, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := filepath.Join(t.TempDir(), "mosaic.tif")

	_, err := New(store, nil).Merge(ctx, in, out)

	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, out)
}
