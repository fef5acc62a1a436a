package db

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/tandem/notifier"
	"tangled.sh/tangled.sh/tandem/pipeline"
	"tangled.sh/tangled.sh/tandem/stage"
	"tangled.sh/tangled.sh/tandem/trigger"
)

func newDB(t *testing.T) *DB {
	t.Helper()
	d, err := Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

var tagPush = trigger.Event{Kind: trigger.KindPush, Ref: "refs/tags/v1.2.0"}

func TestRecordTransitions(t *testing.T) {
	d := newDB(t)
	n := notifier.New()
	wake, cancel := n.Subscribe()
	defer cancel()

	now := time.Now()
	transitions := []pipeline.Transition{
		{RunID: "r1", Event: tagPush, RunState: pipeline.RunInProgress, Time: now},
		{RunID: "r1", Event: tagPush, Stage: stage.Lint, State: pipeline.StateRunning, Time: now},
		{RunID: "r1", Event: tagPush, Stage: stage.Lint, State: pipeline.StateFailed, Time: now, Result: &stage.Result{
			Stage:     stage.Lint,
			Outcome:   stage.Failure,
			Kind:      stage.FailureTool,
			Err:       stage.ErrToolFailed,
			ExitCode:  1,
			Branch:    "refs/tags/v1.2.0",
			PinnedRef: "master",
			LogPath:   "/tmp/runs/r1/lint.log",
		}},
		{RunID: "r1", Event: tagPush, Stage: stage.Publish, State: pipeline.StateSkipped, Reason: "dependency lint failed", Time: now},
		{RunID: "r1", Event: tagPush, RunState: pipeline.RunVerificationFailed, Release: pipeline.ReleaseSkipped, Time: now},
	}
	for _, tr := range transitions {
		require.NoError(t, d.RecordTransition(tr, n))
	}

	select {
	case <-wake:
	default:
		t.Fatal("subscribers were not notified")
	}

	run, err := d.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, tagPush, run.Event)
	assert.Equal(t, "verification_failed", run.State)
	assert.Equal(t, "skipped", run.Release)
	require.Len(t, run.Stages, 2)

	lint := run.Stages[0]
	assert.Equal(t, "lint", lint.Stage)
	assert.Equal(t, "failed", lint.State)
	assert.Equal(t, "tool", lint.FailureKind)
	assert.Equal(t, 1, lint.ExitCode)
	assert.Equal(t, "master", lint.PinnedRef)
	assert.Equal(t, "/tmp/runs/r1/lint.log", lint.LogPath)

	publish, err := d.GetStage("r1", "publish")
	require.NoError(t, err)
	assert.Equal(t, "skipped", publish.State)
	assert.Equal(t, "dependency lint failed", publish.Reason)

	evts, err := d.GetEvents(0)
	require.NoError(t, err)
	require.Len(t, evts, len(transitions))

	var last StatusEvent
	require.NoError(t, json.Unmarshal([]byte(evts[len(evts)-1].EventJson), &last))
	assert.Equal(t, "verification_failed", last.State)
	assert.Equal(t, "skipped", last.Release)

	var failed StatusEvent
	require.NoError(t, json.Unmarshal([]byte(evts[2].EventJson), &failed))
	require.NotNil(t, failed.ExitCode)
	assert.Equal(t, 1, *failed.ExitCode)
	assert.Equal(t, "lint", evts[2].Stage)
}

func TestGetEventsCursor(t *testing.T) {
	d := newDB(t)
	require.NoError(t, d.CreateRun("r1", tagPush, "pending", nil))

	for i := 0; i < 150; i++ {
		require.NoError(t, d.InsertEvent("r1", "lint", StatusEvent{RunID: "r1", State: "running"}, nil))
	}

	first, err := d.GetEvents(0)
	require.NoError(t, err)
	assert.Len(t, first, 100)

	rest, err := d.GetEvents(first[len(first)-1].ID)
	require.NoError(t, err)
	assert.Len(t, rest, 50)
	assert.Greater(t, rest[0].ID, first[99].ID)
}

func TestGetRunNotFound(t *testing.T) {
	d := newDB(t)

	_, err := d.GetRun("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)

	assert.ErrorIs(t, d.UpdateRun("nope", "all_passed", "", nil), ErrRunNotFound)

	require.NoError(t, d.CreateRun("r1", tagPush, "pending", nil))
	_, err = d.GetStage("r1", "lint")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCreatedRunIsReusedOnStart(t *testing.T) {
	d := newDB(t)
	require.NoError(t, d.CreateRun("r1", tagPush, string(pipeline.RunPending), nil))

	require.NoError(t, d.RecordTransition(pipeline.Transition{
		RunID:    "r1",
		Event:    tagPush,
		RunState: pipeline.RunInProgress,
		Time:     time.Now(),
	}, nil))

	run, err := d.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", run.State)
	assert.False(t, run.Created.IsZero())
}
