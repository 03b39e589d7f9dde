package pipeline

import "fmt"

type Stage string

const (
	StageBandSelect   Stage = "band_select"
	StageReconcileOld Stage = "reconcile_old"
	StageReconcileNew Stage = "reconcile_new"
	StageStack        Stage = "stack"
	StageTile         Stage = "tile"
	StagePredict      Stage = "predict"
	StageMerge        Stage = "merge"
	StagePreview      Stage = "preview"
)

// Stages in execution order. StagePreview runs only when enabled.
var Stages = []Stage{
	StageBandSelect,
	StageReconcileOld,
	StageReconcileNew,
	StageStack,
	StageTile,
	StagePredict,
	StageMerge,
	StagePreview,
}

type StageStatus string

const (
	StatusComputed StageStatus = "computed"
	StatusSkipped  StageStatus = "skipped"
)

// StageError is the error of a failed run: the stage that failed, the path it
// failed on and the cause.
type StageError struct {
	Stage Stage
	Path  string
	Err   error
}

func (e *StageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s failed on %s: %v", e.Stage, e.Path, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
