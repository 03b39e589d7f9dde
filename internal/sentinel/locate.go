package sentinel

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

const DefaultExt = ".jp2"

var (
	ErrBandNotFound  = errors.New("band raster not found")
	ErrBandAmbiguous = errors.New("band raster is not unique")
)

// Locator finds band rasters of an image under the images root. Image
// folders are searched recursively for files named *{band}{ext}.
type Locator struct {
	Root string
	Ext  string
}

func NewLocator(root, ext string) *Locator {
	if ext == "" {
		ext = DefaultExt
	}
	return &Locator{Root: root, Ext: ext}
}

// Locate returns the single raster of band in image. Zero or several matches
// are errors.
func (l *Locator) Locate(image string, band Band) (string, error) {
	if !band.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownBand, band)
	}
	dir := filepath.Join(l.Root, image)
	suffix := strings.ToLower(string(band) + l.Ext)

	var matches []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), suffix) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: image folder %s does not exist", ErrBandNotFound, dir)
		}
		return "", fmt.Errorf("failed to search %s for %s: %w", dir, band, err)
	}

	pattern := filepath.Join(dir, "**", "*"+string(band)+l.Ext)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrBandNotFound, pattern)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %d matches for %s", ErrBandAmbiguous, len(matches), pattern)
	}
}

// LocateBands resolves every band of image in order. All codes are validated
// before the filesystem is touched.
func (l *Locator) LocateBands(image string, bands []Band) ([]string, error) {
	for _, band := range bands {
		if !band.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownBand, band)
		}
	}
	paths := make([]string, 0, len(bands))
	for _, band := range bands {
		path, err := l.Locate(image, band)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
