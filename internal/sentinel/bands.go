package sentinel

import (
	"errors"
	"fmt"
	"slices"
)

// Band is a Sentinel-2 spectral band code.
type Band string

const (
	B01 Band = "B01"
	B02 Band = "B02"
	B03 Band = "B03"
	B04 Band = "B04"
	B05 Band = "B05"
	B06 Band = "B06"
	B07 Band = "B07"
	B08 Band = "B08"
	B8A Band = "B8A"
	B09 Band = "B09"
	B10 Band = "B10"
	B11 Band = "B11"
	B12 Band = "B12"
)

// AllBands lists every band delivered in an L1C product.
var AllBands = []Band{B01, B02, B03, B04, B05, B06, B07, B08, B8A, B09, B10, B11, B12}

// ChangeBands are the bands stacked for change detection, in stacking order.
var ChangeBands = []Band{B04, B08, B11, B12}

var ErrUnknownBand = errors.New("unknown band")

func ParseBand(code string) (Band, error) {
	b := Band(code)
	if !b.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownBand, code)
	}
	return b, nil
}

func (b Band) Valid() bool {
	return slices.Contains(AllBands, b)
}

// nativeResolution holds the ground sampling distance, in metres, at which
// each band is delivered.
var nativeResolution = map[Band]float64{
	B01: 60, B02: 10, B03: 10, B04: 10, B05: 20, B06: 20, B07: 20,
	B08: 10, B8A: 20, B09: 60, B10: 60, B11: 20, B12: 20,
}

func (b Band) NativeResolution() float64 {
	return nativeResolution[b]
}

// SampleBand picks the band whose native grid is used as geometry reference
// for a stack at the given resolution.
func SampleBand(resolution float64) (Band, error) {
	switch resolution {
	case 10:
		return B04, nil
	case 20:
		return B05, nil
	case 60:
		return B01, nil
	}
	return "", fmt.Errorf("no native band at resolution %v, configure the sample band explicitly", resolution)
}
