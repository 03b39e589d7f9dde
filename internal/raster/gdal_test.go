package raster_test

import (
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
	"github.com/andrewGIS/ml-forest-backend/internal/testutil"
)

func TestTileGeoTransform(t *testing.T) {
	gt := raster.NorthUpGeoTransform(500000, 6300000, 20)

	got := raster.TileGeoTransform(gt, 256, 512)

	assert.Equal(t, [6]float64{500000 + 256*20, 20, 0, 6300000 - 512*20, 0, -20}, got)
}

func TestExtent(t *testing.T) {
	gt := raster.NorthUpGeoTransform(100, 200, 10)

	b := raster.Extent(gt, 3, 2)

	assert.Equal(t, orb.Bound{Min: orb.Point{100, 180}, Max: orb.Point{130, 200}}, b)
}

func TestSameResolution(t *testing.T) {
	assert.True(t, raster.SameResolution(20, 20))
	assert.True(t, raster.SameResolution(20, 20+1e-12))
	assert.False(t, raster.SameResolution(20, 10))
	assert.False(t, raster.SameResolution(60, 20))
}

func TestGDAL_CreateReadInfo(t *testing.T) {
	store := testutil.Store(t)
	prj := testutil.Projection(t)
	path := filepath.Join(t.TempDir(), "two_bands.tif")
	gt := raster.NorthUpGeoTransform(500000, 6300000, 20)

	b1 := testutil.Fill(4, 3, func(x, y int) float64 { return float64(y*4 + x) })
	b2 := testutil.Constant(4, 3, -7)
	testutil.WriteRaster(t, store, path, raster.Float32, gt, prj, b1, b2)

	meta, err := store.Info(path)
	require.NoError(t, err)
	assert.Equal(t, 4, meta.Width)
	assert.Equal(t, 3, meta.Height)
	assert.Equal(t, 2, meta.Bands)
	assert.Equal(t, raster.Float32, meta.Type)
	assert.Equal(t, gt, meta.GeoTransform)
	assert.Equal(t, 20.0, meta.Resolution())
	assert.NotEmpty(t, meta.Projection)

	got, err := store.ReadBand(path, 1)
	require.NoError(t, err)
	assert.Equal(t, b1, got)

	_, grids, err := store.ReadBands(path)
	require.NoError(t, err)
	require.Len(t, grids, 2)
	assert.Equal(t, b2.Data, grids[1].Data)

	_, err = store.ReadBand(path, 3)
	assert.Error(t, err)
}

func TestGDAL_WriteBandRejectsWrongSize(t *testing.T) {
	store := testutil.Store(t)
	path := filepath.Join(t.TempDir(), "r.tif")
	w, err := store.Create(path, raster.CreateOptions{
		Width: 4, Height: 4, Bands: 1, Type: raster.Float32,
		GeoTransform: raster.NorthUpGeoTransform(0, 0, 1),
	})
	require.NoError(t, err)
	defer w.Close()

	assert.Error(t, w.WriteBand(1, raster.NewGrid(3, 4)))
	assert.Error(t, w.WriteBand(2, raster.NewGrid(4, 4)))
}

func TestGDAL_TranslateWindowKeepsGeoreference(t *testing.T) {
	store := testutil.Store(t)
	prj := testutil.Projection(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.tif")
	gt := raster.NorthUpGeoTransform(1000, 2000, 10)
	testutil.WriteRaster(t, store, src, raster.Float32, gt, prj,
		testutil.Fill(8, 8, func(x, y int) float64 { return float64(y*8 + x) }))

	dst := filepath.Join(dir, "window.tif")
	require.NoError(t, store.Translate(src, dst, raster.Window{X: 4, Y: 2, Width: 4, Height: 4}))

	meta, err := store.Info(dst)
	require.NoError(t, err)
	assert.Equal(t, 4, meta.Width)
	assert.Equal(t, 4, meta.Height)
	assert.Equal(t, raster.TileGeoTransform(gt, 4, 2), meta.GeoTransform)

	g, err := store.ReadBand(dst, 1)
	require.NoError(t, err)
	assert.Equal(t, float64(2*8+4), g.At(0, 0))
	assert.Equal(t, float64(5*8+7), g.At(3, 3))
}

func TestGDAL_WarpChangesResolution(t *testing.T) {
	store := testutil.Store(t)
	prj := testutil.Projection(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "10m.tif")
	testutil.WriteRaster(t, store, src, raster.UInt16, raster.NorthUpGeoTransform(500000, 6300000, 10), prj,
		testutil.Constant(8, 8, 1200))

	dst := filepath.Join(dir, "20m.tif")
	require.NoError(t, store.Warp(src, dst, 20))

	meta, err := store.Info(dst)
	require.NoError(t, err)
	assert.Equal(t, 20.0, meta.Resolution())
	assert.Equal(t, 4, meta.Width)
	assert.Equal(t, 4, meta.Height)
}

func TestGDAL_OpenMissing(t *testing.T) {
	store := testutil.Store(t)
	_, err := store.Info(filepath.Join(t.TempDir(), "missing.tif"))
	assert.Error(t, err)
}
