package tiling

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb/geojson"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
)

// IndexName is the footprint index written next to the tiles.
const IndexName = "index.geojson"

// Index returns the ground footprint of every tile as a feature collection in
// the raster's own coordinates.
func Index(tiles []Tile) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, tile := range tiles {
		bound := raster.Extent(tile.GeoTransform, tile.Window.Width, tile.Window.Height)
		f := geojson.NewFeature(bound.ToPolygon())
		f.Properties["file"] = filepath.Base(tile.Path)
		f.Properties["x"] = tile.Window.X
		f.Properties["y"] = tile.Window.Y
		f.Properties["width"] = tile.Window.Width
		f.Properties["height"] = tile.Window.Height
		fc.Append(f)
	}
	return fc
}

func WriteIndex(tiles []Tile, path string) error {
	data, err := Index(tiles).MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode tile index: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write tile index %s: %w", path, err)
	}
	return nil
}
