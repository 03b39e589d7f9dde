package stack

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
	"github.com/andrewGIS/ml-forest-backend/internal/sentinel"
	"github.com/andrewGIS/ml-forest-backend/internal/testutil"
	"github.com/andrewGIS/ml-forest-backend/internal/utils"
)

const size = 6

type fixture struct {
	store  raster.Store
	prj    string
	sample string
	old    []string
	new    []string
	out    string
}

// Old channel c has pixels 100*(c+1)+x, new ones 1000*(c+1)-y, so every
// difference band has both signs somewhere.
func newFixture(t *testing.T) fixture {
	t.Helper()
	store := testutil.Store(t)
	prj := testutil.Projection(t)
	dir := t.TempDir()
	gt := raster.NorthUpGeoTransform(500000, 6300000, 20)

	f := fixture{store: store, prj: prj, out: filepath.Join(dir, "stack", "A_B.tif")}
	f.sample = filepath.Join(dir, "A", "B05.tif")
	testutil.WriteRaster(t, store, f.sample, raster.UInt16, gt, prj, testutil.Constant(size, size, 1))

	for c, ch := range Layout {
		c := c
		o := filepath.Join(dir, "A", string(ch.Band)+".tif")
		testutil.WriteRaster(t, store, o, raster.UInt16, gt, prj,
			testutil.Fill(size, size, func(x, y int) float64 { return float64(100*(c+1) + x*200) }))
		n := filepath.Join(dir, "B", string(ch.Band)+".tif")
		testutil.WriteRaster(t, store, n, raster.UInt16, gt, prj,
			testutil.Fill(size, size, func(x, y int) float64 { return float64(1000*(c+1) - y*10) }))
		f.old = append(f.old, o)
		f.new = append(f.new, n)
	}
	return f
}

func TestLayoutCoversEveryBandOnce(t *testing.T) {
	var bands []int
	for _, ch := range Layout {
		bands = append(bands, ch.Slots.New, ch.Slots.Old, ch.Slots.NewMinusOld, ch.Slots.OldMinusNew)
	}
	sort.Ints(bands)
	want := make([]int, FeaturesCount)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, bands)
}

func TestBands(t *testing.T) {
	assert.Equal(t, sentinel.ChangeBands, Bands())
}

func TestStack(t *testing.T) {
	f := newFixture(t)
	s := New(f.store, nil)

	require.NoError(t, s.Stack(context.Background(), f.sample, f.old, f.new, f.out))

	meta, grids, err := f.store.ReadBands(f.out)
	require.NoError(t, err)
	require.Len(t, grids, FeaturesCount)
	assert.Equal(t, size, meta.Width)
	assert.Equal(t, size, meta.Height)
	assert.Equal(t, raster.Float32, meta.Type)
	assert.Equal(t, raster.NorthUpGeoTransform(500000, 6300000, 20), meta.GeoTransform)
	assert.NotEmpty(t, meta.Projection)
	assert.False(t, utils.FileExists(utils.PartialPath(f.out)))

	for c, ch := range Layout {
		oldGrid, err := f.store.ReadBand(f.old[c], 1)
		require.NoError(t, err)
		newGrid, err := f.store.ReadBand(f.new[c], 1)
		require.NoError(t, err)

		assert.Equal(t, oldGrid.Data, grids[ch.Slots.Old-1].Data, "old %s", ch.Band)
		assert.Equal(t, newGrid.Data, grids[ch.Slots.New-1].Data, "new %s", ch.Band)
		for i := range oldGrid.Data {
			assert.Equal(t, grids[ch.Slots.New-1].Data[i]-grids[ch.Slots.Old-1].Data[i], grids[ch.Slots.NewMinusOld-1].Data[i])
			assert.Equal(t, grids[ch.Slots.Old-1].Data[i]-grids[ch.Slots.New-1].Data[i], grids[ch.Slots.OldMinusNew-1].Data[i])
		}
	}

	// band 5 = band 3 - band 1 and it goes negative where old > new
	var negative bool
	for i, v := range grids[4].Data {
		assert.Equal(t, grids[2].Data[i]-grids[0].Data[i], v)
		negative = negative || v < 0
	}
	assert.True(t, negative)
}

func TestStack_DimensionMismatch(t *testing.T) {
	f := newFixture(t)
	bad := filepath.Join(filepath.Dir(f.new[2]), "B11_small.tif")
	testutil.WriteRaster(t, f.store, bad, raster.UInt16, raster.NorthUpGeoTransform(500000, 6300000, 20), f.prj,
		testutil.Constant(size-1, size, 5))
	f.new[2] = bad

	err := New(f.store, nil).Stack(context.Background(), f.sample, f.old, f.new, f.out)

	assert.ErrorIs(t, err, ErrGeometryMismatch)
	assert.False(t, utils.FileExists(f.out))
	assert.False(t, utils.FileExists(utils.PartialPath(f.out)))
}

func TestStack_WrongBandCount(t *testing.T) {
	f := newFixture(t)

	err := New(f.store, nil).Stack(context.Background(), f.sample, f.old[:3], f.new, f.out)

	assert.Error(t, err)
	assert.False(t, utils.FileExists(f.out))
}

func TestStack_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(f.store, nil).Stack(ctx, f.sample, f.old, f.new, f.out)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, utils.FileExists(f.out))
}
