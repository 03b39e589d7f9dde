package raster

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/sirupsen/logrus"
)

var registerOnce sync.Once

// GDAL implements Store on top of godal. Every call opens its own dataset
// handle, so a single GDAL value can be shared between goroutines.
type GDAL struct {
	log logrus.FieldLogger
}

func NewGDAL(log logrus.FieldLogger) *GDAL {
	registerOnce.Do(godal.RegisterAll)
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &GDAL{log: log}
}

// handleError keeps GDAL warnings out of the error path.
func (g *GDAL) handleError(ec godal.ErrorCategory, code int, msg string) error {
	if ec < godal.CE_Failure {
		g.log.WithField("gdal_code", code).Debug(msg)
		return nil
	}
	return errors.New(msg)
}

func (g *GDAL) open(path string) (*godal.Dataset, error) {
	ds, err := godal.Open(path, godal.ErrLogger(g.handleError))
	if err != nil {
		return nil, fmt.Errorf("failed to open raster %s: %w", path, err)
	}
	return ds, nil
}

func (g *GDAL) Info(path string) (Metadata, error) {
	ds, err := g.open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer ds.Close()
	return metadataOf(ds, path)
}

func metadataOf(ds *godal.Dataset, path string) (Metadata, error) {
	st := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to get geotransform of %s: %w", path, err)
	}
	return Metadata{
		Width:        st.SizeX,
		Height:       st.SizeY,
		Bands:        st.NBands,
		Type:         fromGDALType(st.DataType),
		GeoTransform: gt,
		Projection:   ds.Projection(),
	}, nil
}

func (g *GDAL) ReadBand(path string, band int) (Grid, error) {
	ds, err := g.open(path)
	if err != nil {
		return Grid{}, err
	}
	defer ds.Close()

	bands := ds.Bands()
	if band < 1 || band > len(bands) {
		return Grid{}, fmt.Errorf("band %d out of range for %s (%d bands)", band, path, len(bands))
	}
	st := ds.Structure()
	return readBand(bands[band-1], st.SizeX, st.SizeY, path)
}

func (g *GDAL) ReadBands(path string) (Metadata, []Grid, error) {
	ds, err := g.open(path)
	if err != nil {
		return Metadata{}, nil, err
	}
	defer ds.Close()

	meta, err := metadataOf(ds, path)
	if err != nil {
		return Metadata{}, nil, err
	}
	grids := make([]Grid, 0, meta.Bands)
	for _, band := range ds.Bands() {
		grid, err := readBand(band, meta.Width, meta.Height, path)
		if err != nil {
			return Metadata{}, nil, err
		}
		grids = append(grids, grid)
	}
	return meta, grids, nil
}

func readBand(band godal.Band, width, height int, path string) (Grid, error) {
	grid := NewGrid(width, height)
	if err := band.Read(0, 0, grid.Data, width, height); err != nil {
		return Grid{}, fmt.Errorf("failed to read raster data from %s: %w", path, err)
	}
	return grid, nil
}

func (g *GDAL) Create(path string, opts CreateOptions) (Writer, error) {
	if opts.Width <= 0 || opts.Height <= 0 || opts.Bands <= 0 {
		return nil, fmt.Errorf("invalid raster shape %dx%dx%d for %s", opts.Width, opts.Height, opts.Bands, path)
	}
	ds, err := godal.Create(godal.GTiff, path, opts.Bands, opts.Type.gdal(), opts.Width, opts.Height,
		godal.ErrLogger(g.handleError))
	if err != nil {
		return nil, fmt.Errorf("failed to create raster %s: %w", path, err)
	}
	if err := ds.SetGeoTransform(opts.GeoTransform); err != nil {
		ds.Close()
		return nil, fmt.Errorf("failed to set geotransform on %s: %w", path, err)
	}
	if opts.Projection != "" {
		if err := ds.SetProjection(opts.Projection); err != nil {
			ds.Close()
			return nil, fmt.Errorf("failed to set projection on %s: %w", path, err)
		}
	}
	return &gdalWriter{ds: ds, path: path, width: opts.Width, height: opts.Height}, nil
}

type gdalWriter struct {
	ds     *godal.Dataset
	path   string
	width  int
	height int
}

func (w *gdalWriter) WriteBand(band int, grid Grid) error {
	bands := w.ds.Bands()
	if band < 1 || band > len(bands) {
		return fmt.Errorf("band %d out of range for %s (%d bands)", band, w.path, len(bands))
	}
	if grid.Width != w.width || grid.Height != w.height {
		return fmt.Errorf("grid %dx%d does not fit raster %s of %dx%d", grid.Width, grid.Height, w.path, w.width, w.height)
	}
	if err := bands[band-1].Write(0, 0, grid.Data, grid.Width, grid.Height); err != nil {
		return fmt.Errorf("failed to write band %d of %s: %w", band, w.path, err)
	}
	return nil
}

func (w *gdalWriter) Close() error {
	if err := w.ds.Close(); err != nil {
		return fmt.Errorf("failed to close raster %s: %w", w.path, err)
	}
	return nil
}

func (g *GDAL) Warp(src, dst string, resolution float64) error {
	ds, err := g.open(src)
	if err != nil {
		return err
	}
	defer ds.Close()

	res := strconv.FormatFloat(resolution, 'f', -1, 64)
	out, err := ds.Warp(dst, []string{"-of", "GTiff", "-tr", res, res}, godal.ErrLogger(g.handleError))
	if err != nil {
		return fmt.Errorf("failed to warp %s to resolution %s: %w", src, res, err)
	}
	return out.Close()
}

func (g *GDAL) Translate(src, dst string, window Window) error {
	ds, err := g.open(src)
	if err != nil {
		return err
	}
	defer ds.Close()

	switches := []string{
		"-of", "GTiff",
		"-srcwin",
		strconv.Itoa(window.X), strconv.Itoa(window.Y),
		strconv.Itoa(window.Width), strconv.Itoa(window.Height),
	}
	out, err := ds.Translate(dst, switches, godal.ErrLogger(g.handleError))
	if err != nil {
		return fmt.Errorf("failed to translate window %+v of %s: %w", window, src, err)
	}
	return out.Close()
}

func (g *GDAL) BuildVRT(dst string, srcs []string) error {
	if len(srcs) == 0 {
		return fmt.Errorf("no sources for virtual mosaic %s", dst)
	}
	ds, err := godal.BuildVRT(dst, srcs, nil, godal.ErrLogger(g.handleError))
	if err != nil {
		return fmt.Errorf("failed to build virtual mosaic %s: %w", dst, err)
	}
	return ds.Close()
}

func (p PixelType) gdal() godal.DataType {
	switch p {
	case Byte:
		return godal.Byte
	case Float64:
		return godal.Float64
	case UInt16:
		return godal.UInt16
	case Int32:
		return godal.Int32
	default:
		return godal.Float32
	}
}

func fromGDALType(dt godal.DataType) PixelType {
	switch dt {
	case godal.Byte:
		return Byte
	case godal.UInt16:
		return UInt16
	case godal.Int32:
		return Int32
	case godal.Float32:
		return Float32
	case godal.Float64:
		return Float64
	default:
		return Unknown
	}
}
