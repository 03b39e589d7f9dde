// Package output renders and summarizes the merged prediction raster.
package output

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"

	"github.com/andrewGIS/ml-forest-backend/internal/raster"
	"github.com/andrewGIS/ml-forest-backend/internal/utils"
)

const (
	DefaultPreviewSize = 1024
	legendHeight       = 40
)

func normalize(value, min, max float64) float64 {
	if max == min {
		return 0
	}
	norm := (value - min) / (max - min)
	if norm < 0 {
		return 0
	}
	if norm > 1 {
		return 1
	}
	return norm
}

// valueToColor maps [0, 1] onto a blue, green, red ramp.
func valueToColor(norm float64) color.RGBA {
	var r, g, b uint8
	if norm <= 0.5 {
		ratio := norm / 0.5
		g = uint8(255 * ratio)
		b = uint8(255 * (1 - ratio))
	} else {
		ratio := (norm - 0.5) / 0.5
		r = uint8(255 * ratio)
		g = uint8(255 * (1 - ratio))
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// Quicklook samples grid down so its longest side is at most maxSize pixels
// and colours every sample by its prediction value.
func Quicklook(grid raster.Grid, maxSize int) *image.RGBA {
	step := 1
	if maxSize > 0 {
		for grid.Width/step > maxSize || grid.Height/step > maxSize {
			step++
		}
	}
	width := (grid.Width + step - 1) / step
	height := (grid.Height + step - 1) / step

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, valueToColor(normalize(grid.At(x*step, y*step), 0, 1)))
		}
	}
	return img
}

// WritePreview draws the quicklook of grid with a colour legend and saves it
// as a PNG at path.
func WritePreview(grid raster.Grid, stats Stats, path string, maxSize int) error {
	if len(grid.Data) == 0 {
		return fmt.Errorf("nothing to preview for %s", path)
	}
	img := Quicklook(grid, maxSize)
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	if width < 200 {
		width = 200
	}

	dc := gg.NewContext(width, height+legendHeight)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.DrawImage(img, 0, 0)

	rampWidth := 100
	for i := 0; i < rampWidth; i++ {
		c := valueToColor(float64(i) / float64(rampWidth-1))
		dc.SetRGB255(int(c.R), int(c.G), int(c.B))
		dc.DrawRectangle(float64(10+i), float64(height+10), 1, 15)
		dc.Fill()
	}
	dc.SetRGB(0, 0, 0)
	dc.DrawRectangle(10, float64(height+10), float64(rampWidth), 15)
	dc.SetLineWidth(1)
	dc.Stroke()
	dc.DrawStringAnchored(fmt.Sprintf("changed %.1f%%", 100*stats.ChangedFraction),
		float64(rampWidth+20), float64(height+17), 0, 0.5)

	if err := utils.ResetPartial(path); err != nil {
		return err
	}
	if err := dc.SavePNG(utils.PartialPath(path)); err != nil {
		return fmt.Errorf("failed to save preview %s: %w", path, err)
	}
	return utils.Promote(path)
}
