// Package stack composes the old and new band rasters of an image pair into
// one multi-band raster with their signed differences.
package stack

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
	"github.com/andrewGIS/ml-forest-backend/internal/sentinel"
	"github.com/andrewGIS/ml-forest-backend/internal/utils"
)

// FeaturesCount is the number of bands the model expects.
const FeaturesCount = 16

// PixelType of the stacked raster. Float32 holds every 16-bit sensor value and
// every difference of two of them exactly, negative ones included.
const PixelType = raster.Float32

var ErrGeometryMismatch = errors.New("raster geometry mismatch")

// Slots are the 1-based output bands of one spectral channel.
type Slots struct {
	New         int
	Old         int
	NewMinusOld int
	OldMinusNew int
}

// Layout maps each channel to its output bands. The model was trained on
// this exact order.
var Layout = []struct {
	Band  sentinel.Band
	Slots Slots
}{
	{sentinel.B04, Slots{New: 3, Old: 1, NewMinusOld: 5, OldMinusNew: 6}},
	{sentinel.B08, Slots{New: 4, Old: 2, NewMinusOld: 7, OldMinusNew: 8}},
	{sentinel.B11, Slots{New: 14, Old: 13, NewMinusOld: 15, OldMinusNew: 16}},
	{sentinel.B12, Slots{New: 10, Old: 9, NewMinusOld: 11, OldMinusNew: 12}},
}

// Bands lists the channels in Layout order, the order Stack expects its
// inputs in.
func Bands() []sentinel.Band {
	bands := make([]sentinel.Band, len(Layout))
	for i, channel := range Layout {
		bands[i] = channel.Band
	}
	return bands
}

type Stacker struct {
	Store raster.Store
	Log   logrus.FieldLogger
}

func New(store raster.Store, log logrus.FieldLogger) *Stacker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Stacker{Store: store, Log: log}
}

// Stack writes the stacked raster of oldPaths and newPaths (both ordered B04, B08, B11,
// B12) to out. Pixel size, dimensions and extent come from sample, the
// projection from the first new raster.
func (s *Stacker) Stack(ctx context.Context, sample string, oldPaths, newPaths []string, out string) error {
	if len(oldPaths) != len(Layout) || len(newPaths) != len(Layout) {
		return fmt.Errorf("expected %d old and %d new rasters, got %d and %d", len(Layout), len(Layout), len(oldPaths), len(newPaths))
	}

	ref, err := s.Store.Info(sample)
	if err != nil {
		return err
	}
	newRef, err := s.Store.Info(newPaths[0])
	if err != nil {
		return err
	}
	ext := ref.Extent()
	gt := raster.NorthUpGeoTransform(ext.Min.X(), ext.Max.Y(), ref.Resolution())

	if err := utils.ResetPartial(out); err != nil {
		return err
	}
	partial := utils.PartialPath(out)
	w, err := s.Store.Create(partial, raster.CreateOptions{
		Width:        ref.Width,
		Height:       ref.Height,
		Bands:        FeaturesCount,
		Type:         PixelType,
		GeoTransform: gt,
		Projection:   newRef.Projection,
	})
	if err != nil {
		return err
	}

	if err := s.writeChannels(ctx, w, ref, oldPaths, newPaths); err != nil {
		w.Close()
		os.Remove(partial)
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(partial)
		return err
	}
	return utils.Promote(out)
}

func (s *Stacker) writeChannels(ctx context.Context, w raster.Writer, ref raster.Metadata, oldPaths, newPaths []string) error {
	for i, channel := range Layout {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Log.WithField("band", channel.Band).Debug("Stacking channel")

		oldGrid, err := s.Store.ReadBand(oldPaths[i], 1)
		if err != nil {
			return err
		}
		newGrid, err := s.Store.ReadBand(newPaths[i], 1)
		if err != nil {
			return err
		}
		if !oldGrid.SameSize(newGrid) {
			return fmt.Errorf("%w: %s old %s is %dx%d, new %s is %dx%d", ErrGeometryMismatch, channel.Band,
				oldPaths[i], oldGrid.Width, oldGrid.Height, newPaths[i], newGrid.Width, newGrid.Height)
		}
		if oldGrid.Width != ref.Width || oldGrid.Height != ref.Height {
			return fmt.Errorf("%w: %s rasters are %dx%d, sample is %dx%d", ErrGeometryMismatch, channel.Band,
				oldGrid.Width, oldGrid.Height, ref.Width, ref.Height)
		}

		newMinusOld := raster.NewGrid(ref.Width, ref.Height)
		floats.SubTo(newMinusOld.Data, newGrid.Data, oldGrid.Data)
		oldMinusNew := raster.NewGrid(ref.Width, ref.Height)
		floats.SubTo(oldMinusNew.Data, oldGrid.Data, newGrid.Data)

		for _, b := range []struct {
			index int
			grid  raster.Grid
		}{
			{channel.Slots.Old, oldGrid},
			{channel.Slots.New, newGrid},
			{channel.Slots.NewMinusOld, newMinusOld},
			{channel.Slots.OldMinusNew, oldMinusNew},
		} {
			if err := w.WriteBand(b.index, b.grid); err != nil {
				return err
			}
		}
	}
	return nil
}
