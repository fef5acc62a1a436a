package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"tangled.sh/tangled.sh/tandem/pipeline"
	"tangled.sh/tangled.sh/tandem/stage"
	"tangled.sh/tangled.sh/tandem/trigger"
)

type result stage.Result

func (r result) Execute(context.Context, stage.Job) stage.Result {
	return stage.Result(r)
}

func newTestTelemetry(t *testing.T) (*Telemetry, *tracetest.SpanRecorder, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	sr := tracetest.NewSpanRecorder()
	tel, err := New(
		trace.NewTracerProvider(trace.WithSpanProcessor(sr)),
		metric.NewMeterProvider(metric.WithReader(reader)),
		"tandem",
		"test",
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel, sr, reader
}

func sumOf(t *testing.T, reader *metric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestExecutorRecordsStages(t *testing.T) {
	tel, sr, reader := newTestTelemetry(t)
	job := stage.Job{
		RunID:      "r1",
		Event:      trigger.Event{Kind: trigger.KindPush, Ref: "refs/heads/main"},
		Definition: stage.Definition{ID: stage.Lint},
	}

	ok := tel.Executor(result{Stage: stage.Lint, Outcome: stage.Success, PinnedRef: "master"})
	assert.True(t, ok.Execute(context.Background(), job).Succeeded())

	failing := tel.Executor(result{Stage: stage.Lint, Outcome: stage.Failure, Kind: stage.FailureTool, Err: stage.ErrToolFailed, ExitCode: 2})
	res := failing.Execute(context.Background(), job)
	assert.Equal(t, 2, res.ExitCode)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "stage lint", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "tool", spans[1].Status().Description)

	assert.Equal(t, int64(2), sumOf(t, reader, "tandem_stage_outcomes"))
}

func TestObserveCountsFinishedRuns(t *testing.T) {
	tel, _, reader := newTestTelemetry(t)

	tel.Observe(pipeline.Transition{RunState: pipeline.RunInProgress})
	tel.Observe(pipeline.Transition{Stage: stage.Lint, State: pipeline.StateSucceeded})
	tel.Observe(pipeline.Transition{RunState: pipeline.RunAllPassed, Release: pipeline.ReleasePublished})

	assert.Equal(t, int64(1), sumOf(t, reader, "tandem_run_outcomes"))
}

func TestUnknownExporter(t *testing.T) {
	_, err := NewTelemetry(context.Background(), "tandem", "test", "carrier-pigeon")
	assert.Error(t, err)
}

func TestNoneExporter(t *testing.T) {
	tel, err := NewTelemetry(context.Background(), "tandem", "test", ExporterNone)
	require.NoError(t, err)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

type passing struct{}

func (passing) Execute(_ context.Context, job stage.Job) stage.Result {
	return stage.Result{Stage: job.Definition.ID, Outcome: stage.Success}
}

func TestStartRunParentsStageSpans(t *testing.T) {
	tel, sr, _ := newTestTelemetry(t)
	g, diags := pipeline.Default(stage.Dependency{Name: "x", Repo: "https://example.com/x", Default: "main"}).Compile()
	require.False(t, diags.IsErr())

	ev := trigger.Event{Kind: trigger.KindPush, Ref: "refs/tags/v1.0.0"}
	ctx, end := tel.StartRun(context.Background(), "r1", ev)
	end(g.RunWithID(ctx, "r1", ev, tel.Executor(passing{})))

	spans := sr.Ended()
	require.Len(t, spans, 5)

	run := spans[len(spans)-1]
	assert.Equal(t, "run", run.Name())
	assert.Equal(t, codes.Ok, run.Status().Code)
	for _, s := range spans[:len(spans)-1] {
		assert.Equal(t, run.SpanContext().SpanID(), s.Parent().SpanID(), s.Name())
	}
}
