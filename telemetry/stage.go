package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"tangled.sh/tangled.sh/tandem/pipeline"
	"tangled.sh/tangled.sh/tandem/stage"
	"tangled.sh/tangled.sh/tandem/trigger"
)

type instrumented struct {
	next pipeline.Executor
	t    *Telemetry
}

// Executor wraps next so every stage gets a span and is counted.
func (t *Telemetry) Executor(next pipeline.Executor) pipeline.Executor {
	return &instrumented{next: next, t: t}
}

func (i *instrumented) Execute(ctx context.Context, job stage.Job) stage.Result {
	ctx, span := i.t.TraceStart(ctx, "stage "+string(job.Definition.ID),
		oteltrace.WithAttributes(
			attribute.String("tandem.run", job.RunID),
			attribute.String("tandem.stage", string(job.Definition.ID)),
			attribute.String("tandem.event", string(job.Event.Kind)),
			attribute.String("tandem.ref", job.Event.Ref),
		),
	)
	defer span.End()

	start := time.Now()
	res := i.next.Execute(ctx, job)

	attrs := []attribute.KeyValue{
		attribute.String("stage", string(job.Definition.ID)),
		attribute.String("outcome", string(res.Outcome)),
		attribute.String("failure_kind", string(res.Kind)),
	}
	i.t.stageOutcomes.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
	i.t.stageDuration.Record(ctx, time.Since(start).Seconds(), otelmetric.WithAttributes(attrs[0]))

	span.SetAttributes(attribute.String("tandem.pinned_ref", res.PinnedRef))
	if res.Succeeded() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.Int("tandem.exit_code", res.ExitCode))
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		span.SetStatus(codes.Error, string(res.Kind))
	}

	return res
}

// StartRun opens the span of a whole run. Stage spans started under the
// returned context are its children. end closes the span with the run's
// outcome.
func (t *Telemetry) StartRun(ctx context.Context, id string, ev trigger.Event) (context.Context, func(*pipeline.Run)) {
	ctx, span := t.TraceStart(ctx, "run",
		oteltrace.WithAttributes(
			attribute.String("tandem.run", id),
			attribute.String("tandem.event", string(ev.Kind)),
			attribute.String("tandem.ref", ev.Ref),
			attribute.String("tandem.branch", trigger.ParseBranch(ev).String()),
		),
	)

	end := func(r *pipeline.Run) {
		defer span.End()
		span.SetAttributes(
			attribute.String("tandem.state", string(r.State())),
			attribute.String("tandem.release", string(r.Release())),
		)
		if r.Succeeded() {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, string(r.State()))
		}
	}
	return ctx, end
}

// Observe counts finished runs; it is a pipeline.Observer.
func (t *Telemetry) Observe(tr pipeline.Transition) {
	if tr.Stage != "" || tr.RunState == pipeline.RunInProgress || tr.RunState == pipeline.RunPending {
		return
	}
	t.runOutcomes.Add(context.Background(), 1, otelmetric.WithAttributes(
		attribute.String("state", string(tr.RunState)),
		attribute.String("release", string(tr.Release)),
	))
}
