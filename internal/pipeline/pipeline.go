// Package pipeline runs the change detection stages for an image pair. Every
// stage owns one artifact on disk and is skipped when that artifact already
// exists, so an interrupted run resumes where it stopped.
package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/andrewGIS/ml-forest-backend/internal/cache"
	"github.com/andrewGIS/ml-forest-backend/internal/ml"
	"github.com/andrewGIS/ml-forest-backend/internal/mosaic"
	"github.com/andrewGIS/ml-forest-backend/internal/output"
	"github.com/andrewGIS/ml-forest-backend/internal/properties"
	"github.com/andrewGIS/ml-forest-backend/internal/raster"
	"github.com/andrewGIS/ml-forest-backend/internal/reconcile"
	"github.com/andrewGIS/ml-forest-backend/internal/sentinel"
	"github.com/andrewGIS/ml-forest-backend/internal/stack"
	"github.com/andrewGIS/ml-forest-backend/internal/tiling"
	"github.com/andrewGIS/ml-forest-backend/internal/utils"
)

// Deps are the collaborators of a Pipeline. Manifests defaults to a file
// cache under the configured manifest folder.
type Deps struct {
	Store     raster.Store
	Engine    ml.Engine
	Manifests cache.CacheService[Manifest]
	Log       logrus.FieldLogger
}

type Pipeline struct {
	cfg       properties.Config
	store     raster.Store
	engine    ml.Engine
	manifests cache.CacheService[Manifest]
	locator   *sentinel.Locator
	locks     *utils.KeyedMutex
	log       logrus.FieldLogger

	// Preview also renders a PNG quicklook of the mosaic.
	Preview bool
	// Quiet hides the progress bars.
	Quiet bool

	reconcileMu sync.Mutex
	reconcilers map[float64]*reconcile.Reconciler

	modelMu sync.Mutex
	model   ml.Model
}

func New(cfg properties.Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Engine == nil {
		return nil, errors.New("pipeline needs a raster store and an inference engine")
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Manifests == nil {
		deps.Manifests = cache.NewFileCache[Manifest](cfg.ManifestDir)
	}
	return &Pipeline{
		cfg:         cfg,
		store:       deps.Store,
		engine:      deps.Engine,
		manifests:   deps.Manifests,
		locator:     sentinel.NewLocator(cfg.ImagesRoot, cfg.BandExt),
		locks:       utils.NewKeyedMutex(),
		log:         deps.Log,
		reconcilers: make(map[float64]*reconcile.Reconciler),
	}, nil
}

// Artifacts returns where the stages of pair keep their outputs.
func (p *Pipeline) Artifacts(pair Pair) Artifacts {
	name := pair.Name()
	a := Artifacts{
		Stack:      filepath.Join(p.cfg.StackDir, name+".tif"),
		TilesDir:   filepath.Join(p.cfg.TilesDir, name),
		PredictDir: filepath.Join(p.cfg.PredictDir, name),
		Mosaic:     filepath.Join(p.cfg.PredictDir, name+".tif"),
	}
	if p.Preview {
		a.Preview = filepath.Join(p.cfg.PredictDir, name+".png")
	}
	return a
}

// Run produces the change mosaic of pair. Runs of the same pair are
// serialized; different pairs may run concurrently. Any failure is returned as
// a *StageError and leaves the artifacts of the completed stages in place.
func (p *Pipeline) Run(ctx context.Context, pair Pair) (Manifest, error) {
	if err := pair.Validate(); err != nil {
		return Manifest{}, &StageError{Stage: StageBandSelect, Err: err}
	}
	var (
		m   Manifest
		err error
	)
	p.locks.ExecuteWithKey(pair.Name(), func() {
		m, err = p.run(ctx, pair)
	})
	return m, err
}

func (p *Pipeline) run(ctx context.Context, pair Pair) (Manifest, error) {
	m := Manifest{
		RunID:      uuid.NewString(),
		Pair:       pair,
		Resolution: p.cfg.Resolution,
		TileSize:   p.cfg.TileSize,
		Stages:     make(map[Stage]StageStatus),
		Artifacts:  p.Artifacts(pair),
		StartedAt:  time.Now().UTC(),
	}
	if pair.Resolution > 0 {
		m.Resolution = pair.Resolution
	}
	if pair.TileSize > 0 {
		m.TileSize = pair.TileSize
	}
	log := p.log.WithFields(logrus.Fields{"pair": pair.Name(), "run_id": m.RunID})
	log.WithFields(logrus.Fields{
		"resolution": m.Resolution,
		"tile_size":  m.TileSize,
	}).Info("Starting change detection")

	for _, stage := range []func(context.Context, *logrus.Entry, *Manifest) error{
		p.stackStages,
		p.tileStage,
		p.predictStage,
		p.mergeStage,
		p.previewStage,
	} {
		if err := stage(ctx, log, &m); err != nil {
			log.WithError(err).Error("Change detection failed")
			return Manifest{}, err
		}
	}

	m.FinishedAt = time.Now().UTC()
	if err := p.manifests.Set(pair.Name(), m); err != nil {
		log.WithError(err).Warn("Failed to save run manifest")
	}
	log.WithFields(logrus.Fields{
		"mosaic":           m.Artifacts.Mosaic,
		"predicted_tiles":  m.PredictedTiles,
		"skipped_tiles":    m.SkippedTiles,
		"changed_fraction": m.Mosaic.ChangedFraction,
		"duration":         m.Duration().Round(time.Millisecond),
	}).Info("Change detection finished")
	return m, nil
}

// stackStages runs band selection, both reconciliations and stacking. The
// stacked raster is their only consumer, so all four are skipped when it
// exists.
func (p *Pipeline) stackStages(ctx context.Context, log *logrus.Entry, m *Manifest) error {
	out := m.Artifacts.Stack
	if utils.FileExists(out) {
		for _, stage := range []Stage{StageBandSelect, StageReconcileOld, StageReconcileNew, StageStack} {
			m.Stages[stage] = StatusSkipped
		}
		log.WithField("path", out).Info("Stacked raster exists, skipping band selection and stacking")
		return nil
	}

	if err := checkpoint(ctx, StageBandSelect); err != nil {
		return err
	}
	sample, oldBands, newBands, err := p.selectBands(m.Pair, m.Resolution)
	if err != nil {
		return err
	}
	m.Stages[StageBandSelect] = StatusComputed

	reconciler := p.reconciler(m.Resolution)
	if err := checkpoint(ctx, StageReconcileOld); err != nil {
		return err
	}
	// The sample is reconciled with the old bands so its grid matches theirs.
	oldPaths, err := reconciler.Reconcile(ctx, append([]string{sample}, oldBands...), m.Resolution)
	if err != nil {
		return stageError(StageReconcileOld, filepath.Join(p.cfg.ImagesRoot, m.Pair.Old), err)
	}
	m.Stages[StageReconcileOld] = StatusComputed

	if err := checkpoint(ctx, StageReconcileNew); err != nil {
		return err
	}
	newPaths, err := reconciler.Reconcile(ctx, newBands, m.Resolution)
	if err != nil {
		return stageError(StageReconcileNew, filepath.Join(p.cfg.ImagesRoot, m.Pair.New), err)
	}
	m.Stages[StageReconcileNew] = StatusComputed

	if err := checkpoint(ctx, StageStack); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"stage": StageStack, "path": out}).Info("Stacking")
	if err := stack.New(p.store, log).Stack(ctx, oldPaths[0], oldPaths[1:], newPaths, out); err != nil {
		return stageError(StageStack, out, err)
	}
	m.Stages[StageStack] = StatusComputed
	return nil
}

func (p *Pipeline) selectBands(pair Pair, resolution float64) (string, []string, []string, error) {
	band, err := p.sampleBand(resolution)
	if err != nil {
		return "", nil, nil, &StageError{Stage: StageBandSelect, Err: err}
	}
	oldDir := filepath.Join(p.cfg.ImagesRoot, pair.Old)
	sample, err := p.locator.Locate(pair.Old, band)
	if err != nil {
		return "", nil, nil, &StageError{Stage: StageBandSelect, Path: oldDir, Err: err}
	}
	oldBands, err := p.locator.LocateBands(pair.Old, stack.Bands())
	if err != nil {
		return "", nil, nil, &StageError{Stage: StageBandSelect, Path: oldDir, Err: err}
	}
	newBands, err := p.locator.LocateBands(pair.New, stack.Bands())
	if err != nil {
		return "", nil, nil, &StageError{Stage: StageBandSelect, Path: filepath.Join(p.cfg.ImagesRoot, pair.New), Err: err}
	}
	return sample, oldBands, newBands, nil
}

func (p *Pipeline) sampleBand(resolution float64) (sentinel.Band, error) {
	if raster.SameResolution(resolution, p.cfg.Resolution) {
		return p.cfg.Sample()
	}
	if p.cfg.SampleBand != "" {
		return sentinel.ParseBand(p.cfg.SampleBand)
	}
	return sentinel.SampleBand(resolution)
}

// reconciler returns the shared reconciler of a target resolution. Warped
// rasters of resolutions other than the configured one go to a subfolder so
// that outputs of different resolutions never share a path.
func (p *Pipeline) reconciler(resolution float64) *reconcile.Reconciler {
	p.reconcileMu.Lock()
	defer p.reconcileMu.Unlock()
	if r, ok := p.reconcilers[resolution]; ok {
		return r
	}
	dir := p.cfg.WarpDir
	if !raster.SameResolution(resolution, p.cfg.Resolution) {
		dir = filepath.Join(dir, strconv.FormatFloat(resolution, 'f', -1, 64)+"m")
	}
	r := reconcile.New(p.store, dir, p.log)
	p.reconcilers[resolution] = r
	return r
}

func (p *Pipeline) tileStage(ctx context.Context, log *logrus.Entry, m *Manifest) error {
	dir := m.Artifacts.TilesDir
	if skip(log, m, StageTile, dir) {
		names, err := utils.ListFiles(dir, ml.DefaultExt)
		if err != nil {
			return &StageError{Stage: StageTile, Path: dir, Err: err}
		}
		m.Tiles = len(names)
		return nil
	}
	if err := checkpoint(ctx, StageTile); err != nil {
		return err
	}

	tiler := tiling.New(p.store, m.TileSize, log)
	tiler.NominalWidth, tiler.NominalHeight = p.cfg.NominalSize, p.cfg.NominalSize
	tiler.Quiet = p.Quiet

	if err := utils.ResetPartial(dir); err != nil {
		return &StageError{Stage: StageTile, Path: dir, Err: err}
	}
	partial := utils.PartialPath(dir)
	tiles, err := tiler.Tile(ctx, m.Artifacts.Stack, partial)
	if err == nil {
		err = tiling.WriteIndex(tiles, filepath.Join(partial, tiling.IndexName))
	}
	if err != nil {
		os.RemoveAll(partial)
		return &StageError{Stage: StageTile, Path: m.Artifacts.Stack, Err: err}
	}
	if err := utils.Promote(dir); err != nil {
		return &StageError{Stage: StageTile, Path: dir, Err: err}
	}
	m.Tiles = len(tiles)
	m.Stages[StageTile] = StatusComputed
	return nil
}

func (p *Pipeline) predictStage(ctx context.Context, log *logrus.Entry, m *Manifest) error {
	dir := m.Artifacts.PredictDir
	if skip(log, m, StagePredict, dir) {
		names, err := utils.ListFiles(dir, ml.DefaultExt)
		if err != nil {
			return &StageError{Stage: StagePredict, Path: dir, Err: err}
		}
		m.PredictedTiles = len(names)
		m.SkippedTiles = m.Tiles - len(names)
		return nil
	}
	if err := checkpoint(ctx, StagePredict); err != nil {
		return err
	}

	model, err := p.loadModel(ctx, log)
	if err != nil {
		return &StageError{Stage: StagePredict, Path: p.cfg.ModelPath, Err: err}
	}
	runner := ml.NewRunner(p.store, m.TileSize, p.cfg.Workers, log)
	runner.Quiet = p.Quiet

	if err := utils.ResetPartial(dir); err != nil {
		return &StageError{Stage: StagePredict, Path: dir, Err: err}
	}
	partial := utils.PartialPath(dir)
	stats, err := runner.Run(ctx, model, m.Artifacts.TilesDir, partial)
	if err != nil {
		os.RemoveAll(partial)
		return &StageError{Stage: StagePredict, Path: m.Artifacts.TilesDir, Err: err}
	}
	if err := utils.Promote(dir); err != nil {
		return &StageError{Stage: StagePredict, Path: dir, Err: err}
	}
	m.PredictedTiles, m.SkippedTiles = stats.Predicted, stats.Skipped
	m.Stages[StagePredict] = StatusComputed
	return nil
}

// loadModel loads the model on first use and shares it between runs.
func (p *Pipeline) loadModel(ctx context.Context, log *logrus.Entry) (ml.Model, error) {
	p.modelMu.Lock()
	defer p.modelMu.Unlock()
	if p.model != nil {
		return p.model, nil
	}
	log.WithField("path", p.cfg.ModelPath).Info("Loading model")
	model, err := p.engine.LoadModel(ctx, p.cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	p.model = model
	return model, nil
}

func (p *Pipeline) mergeStage(ctx context.Context, log *logrus.Entry, m *Manifest) error {
	out := m.Artifacts.Mosaic
	if !skip(log, m, StageMerge, out) {
		if err := checkpoint(ctx, StageMerge); err != nil {
			return err
		}
		if _, err := mosaic.New(p.store, log).Merge(ctx, m.Artifacts.PredictDir, out); err != nil {
			return &StageError{Stage: StageMerge, Path: m.Artifacts.PredictDir, Err: err}
		}
		m.Stages[StageMerge] = StatusComputed
	}

	grid, err := p.store.ReadBand(out, 1)
	if err != nil {
		return &StageError{Stage: StageMerge, Path: out, Err: err}
	}
	m.Mosaic = output.Summarize(grid, output.DefaultThreshold)
	return nil
}

func (p *Pipeline) previewStage(ctx context.Context, log *logrus.Entry, m *Manifest) error {
	out := m.Artifacts.Preview
	if out == "" || skip(log, m, StagePreview, out) {
		return nil
	}
	if err := checkpoint(ctx, StagePreview); err != nil {
		return err
	}
	grid, err := p.store.ReadBand(m.Artifacts.Mosaic, 1)
	if err != nil {
		return &StageError{Stage: StagePreview, Path: m.Artifacts.Mosaic, Err: err}
	}
	if err := output.WritePreview(grid, m.Mosaic, out, output.DefaultPreviewSize); err != nil {
		return &StageError{Stage: StagePreview, Path: out, Err: err}
	}
	m.Stages[StagePreview] = StatusComputed
	return nil
}

// skip reports whether the artifact of stage exists and marks the stage as
// skipped if so.
func skip(log *logrus.Entry, m *Manifest, stage Stage, artifact string) bool {
	if !utils.FileExists(artifact) {
		return false
	}
	m.Stages[stage] = StatusSkipped
	log.WithFields(logrus.Fields{"stage": stage, "path": artifact}).Info("Artifact exists, skipping stage")
	return true
}

func checkpoint(ctx context.Context, next Stage) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: next, Err: err}
	}
	return nil
}

// stageError names the raster a reconciliation failed on when there is one.
func stageError(stage Stage, path string, err error) error {
	var rasterErr *reconcile.RasterError
	if errors.As(err, &rasterErr) {
		path = rasterErr.Path
	}
	return &StageError{Stage: stage, Path: path, Err: err}
}
