package output

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
)

// DefaultThreshold separates changed from unchanged pixels.
const DefaultThreshold = 0.5

// Stats summarizes a prediction mosaic.
type Stats struct {
	Pixels    int     `json:"pixels"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"std_dev"`
	Threshold float64 `json:"threshold"`
	// ChangedFraction is the share of pixels at or above Threshold.
	ChangedFraction float64 `json:"changed_fraction"`
}

func Summarize(grid raster.Grid, threshold float64) Stats {
	s := Stats{Pixels: len(grid.Data), Threshold: threshold}
	if len(grid.Data) == 0 {
		return s
	}
	s.Min = floats.Min(grid.Data)
	s.Max = floats.Max(grid.Data)
	s.Mean, s.StdDev = stat.PopMeanStdDev(grid.Data, nil)

	changed := 0
	for _, v := range grid.Data {
		if v >= threshold {
			changed++
		}
	}
	s.ChangedFraction = float64(changed) / float64(len(grid.Data))
	return s
}
