// Package reconcile brings band rasters to a common pixel size.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
	"github.com/andrewGIS/ml-forest-backend/internal/utils"
)

// RasterError names the raster a reconciliation failed on.
type RasterError struct {
	Path string
	Err  error
}

func (e *RasterError) Error() string {
	return e.Err.Error()
}

func (e *RasterError) Unwrap() error {
	return e.Err
}

// Reconciler warps rasters that are not at the target resolution into
// WarpDir. Warped outputs are memoized by path: an existing output is reused.
type Reconciler struct {
	Store   raster.Store
	WarpDir string
	Log     logrus.FieldLogger

	group singleflight.Group
}

func New(store raster.Store, warpDir string, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{Store: store, WarpDir: warpDir, Log: log}
}

// OutputPath is the deterministic location of the warped copy of src.
func (r *Reconciler) OutputPath(src string) string {
	return filepath.Join(r.WarpDir, utils.TrimExt(src)+".tif")
}

// Reconcile returns paths with every raster at resolution. Rasters already at
// resolution are returned as given. The first failure aborts the whole list.
func (r *Reconciler) Reconcile(ctx context.Context, paths []string, resolution float64) ([]string, error) {
	out := make([]string, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reconciled, err := r.reconcileOne(path, resolution)
		if err != nil {
			return nil, &RasterError{Path: path, Err: err}
		}
		out[i] = reconciled
	}
	return out, nil
}

func (r *Reconciler) reconcileOne(path string, resolution float64) (string, error) {
	meta, err := r.Store.Info(path)
	if err != nil {
		return "", err
	}
	if raster.SameResolution(meta.Resolution(), resolution) {
		return path, nil
	}

	dst := r.OutputPath(path)
	_, err, _ = r.group.Do(dst, func() (interface{}, error) {
		if utils.FileExists(dst) {
			r.Log.WithField("path", dst).Debug("Reusing warped raster")
			return nil, nil
		}
		r.Log.WithFields(logrus.Fields{
			"path":       path,
			"resolution": meta.Resolution(),
			"target":     resolution,
		}).Info("Found raster with other resolution, warping")
		return nil, r.warp(path, dst, resolution)
	})
	if err != nil {
		return "", err
	}
	return dst, nil
}

func (r *Reconciler) warp(src, dst string, resolution float64) error {
	if err := utils.ResetPartial(dst); err != nil {
		return err
	}
	partial := utils.PartialPath(dst)
	if err := r.Store.Warp(src, partial, resolution); err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to resample %s: %w", src, err)
	}
	return utils.Promote(dst)
}
