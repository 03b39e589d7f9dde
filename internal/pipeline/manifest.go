package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/andrewGIS/ml-forest-backend/internal/output"
)

// Pair names an old and a new image folder under the images root. Resolution
// and TileSize override the configured values when non-zero.
type Pair struct {
	Old        string  `json:"old"`
	New        string  `json:"new"`
	Resolution float64 `json:"resolution,omitempty"`
	TileSize   int     `json:"tile_size,omitempty"`
}

// Name is the base name of every artifact of the pair.
func (p Pair) Name() string {
	return p.Old + "_" + p.New
}

func (p Pair) Validate() error {
	for _, image := range []string{p.Old, p.New} {
		if image == "" {
			return fmt.Errorf("image pair %q needs both an old and a new image", p.Name())
		}
		if strings.ContainsAny(image, `/\`) || image == "." || image == ".." {
			return fmt.Errorf("image %q must be a folder name, not a path", image)
		}
	}
	if p.Resolution < 0 || p.TileSize < 0 {
		return fmt.Errorf("image pair %s has a negative resolution or tile size", p.Name())
	}
	return nil
}

// Artifacts are the paths a run reads and writes for one pair.
type Artifacts struct {
	Stack      string `json:"stack"`
	TilesDir   string `json:"tiles_dir"`
	PredictDir string `json:"predict_dir"`
	Mosaic     string `json:"mosaic"`
	Preview    string `json:"preview,omitempty"`
}

// Manifest records one successful run.
type Manifest struct {
	RunID      string                `json:"run_id"`
	Pair       Pair                  `json:"pair"`
	Resolution float64               `json:"resolution"`
	TileSize   int                   `json:"tile_size"`
	Stages     map[Stage]StageStatus `json:"stages"`
	Artifacts  Artifacts             `json:"artifacts"`

	Tiles          int `json:"tiles"`
	PredictedTiles int `json:"predicted_tiles"`
	SkippedTiles   int `json:"skipped_tiles"`

	Mosaic output.Stats `json:"mosaic"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Computed reports whether stage did any work in this run.
func (m Manifest) Computed(stage Stage) bool {
	return m.Stages[stage] == StatusComputed
}

func (m Manifest) Duration() time.Duration {
	return m.FinishedAt.Sub(m.StartedAt)
}
