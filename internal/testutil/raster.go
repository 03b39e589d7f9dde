// Package testutil holds fixtures shared by the raster pipeline tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
)

// UTM zone 40N, the zone of the tiles this pipeline was built for.
const TestEPSG = 32640

// Store returns a GDAL store with a quiet logger.
func Store(t *testing.T) *raster.GDAL {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return raster.NewGDAL(log)
}

// Projection returns the WKT of TestEPSG.
func Projection(t *testing.T) string {
	t.Helper()
	raster.NewGDAL(nil)
	sr, err := godal.NewSpatialRefFromEPSG(TestEPSG)
	require.NoError(t, err)
	defer sr.Close()
	wkt, err := sr.WKT()
	require.NoError(t, err)
	return wkt
}

// Fill returns a width x height grid whose pixels are fn(x, y).
func Fill(width, height int, fn func(x, y int) float64) raster.Grid {
	g := raster.NewGrid(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g.Set(x, y, fn(x, y))
		}
	}
	return g
}

// Constant returns a grid filled with v.
func Constant(width, height int, v float64) raster.Grid {
	return Fill(width, height, func(int, int) float64 { return v })
}

// WriteRaster writes grids as the bands of a new GeoTIFF at path.
func WriteRaster(t *testing.T, store raster.Store, path string, typ raster.PixelType, gt [6]float64, projection string, grids ...raster.Grid) {
	t.Helper()
	require.NotEmpty(t, grids)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	w, err := store.Create(path, raster.CreateOptions{
		Width:        grids[0].Width,
		Height:       grids[0].Height,
		Bands:        len(grids),
		Type:         typ,
		GeoTransform: gt,
		Projection:   projection,
	})
	require.NoError(t, err)
	for i, g := range grids {
		require.NoError(t, w.WriteBand(i+1, g))
	}
	require.NoError(t, w.Close())
}

// ModTime returns the modification time of path in nanoseconds.
func ModTime(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.ModTime().UnixNano()
}
