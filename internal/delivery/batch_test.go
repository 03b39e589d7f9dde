package delivery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewGIS/ml-forest-backend/internal/pipeline"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pairs.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadPairs(t *testing.T) {
	path := writeFile(t, "old,new,resolution,tile_size\nA,B,,\nC,D,60,128\n")

	pairs, err := ReadPairs(path)

	require.NoError(t, err)
	want := []pipeline.Pair{
		{Old: "A", New: "B"},
		{Old: "C", New: "D", Resolution: 60, TileSize: 128},
	}
	if diff := cmp.Diff(want, pairs); diff != "" {
		t.Errorf("ReadPairs() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadPairs_OptionalColumns(t *testing.T) {
	pairs, err := ReadPairs(writeFile(t, "old,new\nA,B\n"))

	require.NoError(t, err)
	assert.Equal(t, []pipeline.Pair{{Old: "A", New: "B"}}, pairs)
}

func TestReadPairs_Invalid(t *testing.T) {
	_, err := ReadPairs(writeFile(t, "old,new\nA,\n"))

	assert.ErrorContains(t, err, "line 2")
}

// fakeRunner fails every pair whose old image is "bad" and tracks how many
// pairs run at once.
type fakeRunner struct {
	running atomic.Int32
	peak    atomic.Int32
}

func (r *fakeRunner) Run(_ context.Context, pair pipeline.Pair) (pipeline.Manifest, error) {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	if pair.Old == "bad" {
		return pipeline.Manifest{}, &pipeline.StageError{Stage: pipeline.StageBandSelect, Path: "images/bad", Err: errors.New("band not found")}
	}
	return pipeline.Manifest{
		Artifacts:      pipeline.Artifacts{Mosaic: "predicts/" + pair.Name() + ".tif"},
		PredictedTiles: 4,
		SkippedTiles:   1,
	}, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	errors    []string
	successes []string
}

func (n *recordingNotifier) SendErrorNotification(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, message)
	return nil
}

func (n *recordingNotifier) SendSuccessNotification(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, message)
	return nil
}

func TestBatch_Run(t *testing.T) {
	runner := &fakeRunner{}
	notifier := &recordingNotifier{}
	b := &Batch{Runner: runner, Parallel: 2, Notifier: notifier}
	pairs := []pipeline.Pair{{Old: "A", New: "B"}, {Old: "bad", New: "B"}, {Old: "C", New: "D"}, {Old: "E", New: "F"}}

	rows, err := b.Run(context.Background(), pairs)

	assert.ErrorIs(t, err, ErrPairsFailed)
	require.Len(t, rows, 4)
	assert.Equal(t, StatusOK, rows[0].Status)
	assert.Equal(t, "predicts/A_B.tif", rows[0].Mosaic)
	assert.Equal(t, 4, rows[0].PredictedTiles)
	assert.Equal(t, StatusFailed, rows[1].Status)
	assert.Contains(t, rows[1].Error, "stage band_select failed on images/bad")
	assert.Equal(t, "E", rows[3].Old)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))

	require.Len(t, notifier.errors, 1)
	assert.Contains(t, notifier.errors[0], "1 of 4 image pairs failed")
	assert.Empty(t, notifier.successes)
}

func TestBatch_AllSucceed(t *testing.T) {
	notifier := &recordingNotifier{}
	b := &Batch{Runner: &fakeRunner{}, Notifier: notifier}

	rows, err := b.Run(context.Background(), []pipeline.Pair{{Old: "A", New: "B"}})

	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Len(t, notifier.successes, 1)
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.csv")
	rows := []ReportRow{
		{Old: "A", New: "B", Status: StatusOK, Mosaic: "predicts/A_B.tif", PredictedTiles: 4, SkippedTiles: 1, Duration: "1.5s"},
		{Old: "bad", New: "B", Status: StatusFailed, Error: "stage band_select failed"},
	}

	require.NoError(t, WriteReport(path, rows))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "old,new,status,mosaic,predicted_tiles,skipped_tiles,duration,error\n")

	var got []ReportRow
	require.NoError(t, gocsv.UnmarshalBytes(data, &got))
	if diff := cmp.Diff(rows, got); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}
