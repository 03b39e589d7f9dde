// Package mosaic merges per-tile predictions back into one georeferenced
// raster.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
	"github.com/andrewGIS/ml-forest-backend/internal/utils"
)

var ErrEmptyMosaic = errors.New("no prediction rasters to merge")

type Merger struct {
	Store raster.Store
	Ext   string
	Log   logrus.FieldLogger
}

func New(store raster.Store, log logrus.FieldLogger) *Merger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Merger{Store: store, Ext: ".tif", Log: log}
}

// Merge combines every raster of inDir into outFile. Each input lands at its
// own georeferenced position; pixels no input covers are 0. Inputs are sorted
// by name first, so the result does not depend on directory order.
func (m *Merger) Merge(ctx context.Context, inDir, outFile string) (raster.Metadata, error) {
	names, err := utils.ListFiles(inDir, m.Ext)
	if err != nil {
		return raster.Metadata{}, err
	}
	if len(names) == 0 {
		return raster.Metadata{}, fmt.Errorf("%w in %s", ErrEmptyMosaic, inDir)
	}
	if err := ctx.Err(); err != nil {
		return raster.Metadata{}, err
	}

	srcs := make([]string, len(names))
	for i, name := range names {
		srcs[i] = filepath.Join(inDir, name)
	}

	if err := utils.ResetPartial(outFile); err != nil {
		return raster.Metadata{}, err
	}
	vrt := utils.PartialPath(outFile) + ".vrt"
	defer os.Remove(vrt)
	if err := m.Store.BuildVRT(vrt, srcs); err != nil {
		return raster.Metadata{}, err
	}
	meta, err := m.Store.Info(vrt)
	if err != nil {
		return raster.Metadata{}, err
	}

	m.Log.WithFields(logrus.Fields{
		"inputs": len(srcs),
		"width":  meta.Width,
		"height": meta.Height,
		"output": outFile,
	}).Info("Merging predictions")

	full := raster.Window{Width: meta.Width, Height: meta.Height}
	if err := m.Store.Translate(vrt, utils.PartialPath(outFile), full); err != nil {
		return raster.Metadata{}, err
	}
	if err := utils.Promote(outFile); err != nil {
		return raster.Metadata{}, err
	}
	return m.Store.Info(outFile)
}
