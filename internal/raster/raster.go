// Package raster is the raster store capability used by the change detection
// pipeline: metadata queries, whole-band reads and writes, resampling,
// windowed translation and virtual mosaics.
package raster

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// PixelType is the on-disk sample type of a created raster.
type PixelType int

const (
	Unknown PixelType = iota
	Byte
	UInt16
	Int32
	Float32
	Float64
)

func (p PixelType) String() string {
	switch p {
	case Byte:
		return "Byte"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	case UInt16:
		return "UInt16"
	case Int32:
		return "Int32"
	}
	return fmt.Sprintf("PixelType(%d)", int(p))
}

// Metadata describes the geometry and spatial reference of a raster.
type Metadata struct {
	Width        int
	Height       int
	Bands        int
	Type         PixelType
	GeoTransform [6]float64
	Projection   string
}

// Resolution is the pixel size in ground units. Pixels are assumed square.
func (m Metadata) Resolution() float64 {
	return m.GeoTransform[1]
}

// Extent returns the ground bounds covered by the raster.
func (m Metadata) Extent() orb.Bound {
	return Extent(m.GeoTransform, m.Width, m.Height)
}

// Extent computes the ground bounds of a width x height pixel block placed
// with the given geotransform.
func Extent(gt [6]float64, width, height int) orb.Bound {
	x0, y0 := gt[0], gt[3]
	x1 := gt[0] + float64(width)*gt[1] + float64(height)*gt[2]
	y1 := gt[3] + float64(width)*gt[4] + float64(height)*gt[5]
	return orb.Bound{
		Min: orb.Point{math.Min(x0, x1), math.Min(y0, y1)},
		Max: orb.Point{math.Max(x0, x1), math.Max(y0, y1)},
	}
}

// TileGeoTransform returns the geotransform of a sub-window whose top left
// pixel is (x, y) in the parent raster.
func TileGeoTransform(gt [6]float64, x, y int) [6]float64 {
	out := gt
	out[0] = gt[0] + float64(x)*gt[1] + float64(y)*gt[2]
	out[3] = gt[3] + float64(x)*gt[4] + float64(y)*gt[5]
	return out
}

// NorthUpGeoTransform builds the geotransform of a north-up raster from its
// upper left corner and square pixel size.
func NorthUpGeoTransform(xMin, yMax, pixelSize float64) [6]float64 {
	return [6]float64{xMin, pixelSize, 0, yMax, 0, -pixelSize}
}

const resolutionTolerance = 1e-9

// SameResolution reports whether two pixel sizes are equal within floating
// point noise.
func SameResolution(a, b float64) bool {
	return math.Abs(a-b) <= resolutionTolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// Grid is a single band of pixels stored row-major.
type Grid struct {
	Width  int
	Height int
	Data   []float64
}

func NewGrid(width, height int) Grid {
	return Grid{Width: width, Height: height, Data: make([]float64, width*height)}
}

func (g Grid) At(x, y int) float64 {
	return g.Data[y*g.Width+x]
}

func (g Grid) Set(x, y int, v float64) {
	g.Data[y*g.Width+x] = v
}

func (g Grid) SameSize(o Grid) bool {
	return g.Width == o.Width && g.Height == o.Height
}

// Window is a pixel-space rectangle.
type Window struct {
	X      int
	Y      int
	Width  int
	Height int
}

// CreateOptions are fixed when a raster is created.
type CreateOptions struct {
	Width        int
	Height       int
	Bands        int
	Type         PixelType
	GeoTransform [6]float64
	Projection   string
}

// Writer receives the bands of a raster opened by Store.Create. Bands are
// 1-based.
type Writer interface {
	WriteBand(band int, grid Grid) error
	Close() error
}

// Store is the raster I/O capability.
type Store interface {
	Info(path string) (Metadata, error)
	ReadBand(path string, band int) (Grid, error)
	ReadBands(path string) (Metadata, []Grid, error)
	Create(path string, opts CreateOptions) (Writer, error)
	Warp(src, dst string, resolution float64) error
	Translate(src, dst string, window Window) error
	BuildVRT(dst string, srcs []string) error
}
