package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tangled.sh/tangled.sh/tandem/log"
	"tangled.sh/tangled.sh/tandem/stage"
	"tangled.sh/tangled.sh/tandem/trigger"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

type RunState string

const (
	RunPending            RunState = "pending"
	RunInProgress         RunState = "in_progress"
	RunAllPassed          RunState = "all_passed"
	RunVerificationFailed RunState = "verification_failed"
)

type ReleaseState string

const (
	ReleasePublished     ReleaseState = "published"
	ReleasePublishFailed ReleaseState = "publish_failed"
	ReleaseSkipped       ReleaseState = "skipped"
)

// Gate decides whether a join stage runs once all its dependencies passed.
type Gate func(trigger.Event) bool

type Stage struct {
	Definition stage.Definition
	Needs      []stage.ID
	Gate       Gate
}

func (s Stage) ID() stage.ID {
	return s.Definition.ID
}

// Executor runs one stage; *stage.Runner is the production implementation.
type Executor interface {
	Execute(ctx context.Context, job stage.Job) stage.Result
}

// Transition is a state change of a stage, or of the run itself when Stage
// is empty.
type Transition struct {
	RunID    string
	Event    trigger.Event
	Stage    stage.ID
	State    State
	RunState RunState
	Release  ReleaseState
	Reason   string
	Result   *stage.Result
	Time     time.Time
}

// Observer is called for every transition. Calls are serialised.
type Observer func(Transition)

// JoinState decides what a stage with dependencies does next. Any failed or
// skipped dependency skips it immediately; otherwise it waits until all
// dependencies succeeded and then runs only if the gate passed.
func JoinState(deps []State, gate bool) State {
	waiting := false
	for _, d := range deps {
		switch d {
		case StateFailed, StateSkipped:
			return StateSkipped
		case StateSucceeded:
		default:
			waiting = true
		}
	}
	if waiting {
		return StatePending
	}
	if !gate {
		return StateSkipped
	}
	return StateRunning
}

type Graph struct {
	stages []Stage
	index  map[stage.ID]int
	l      *slog.Logger
}

// New checks that stage IDs are unique, every need names a known stage and
// the needs are acyclic.
func New(stages []Stage) (*Graph, error) {
	g := &Graph{
		stages: stages,
		index:  make(map[stage.ID]int, len(stages)),
		l:      log.New("pipeline"),
	}

	for i, s := range stages {
		if _, ok := g.index[s.ID()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, s.ID())
		}
		g.index[s.ID()] = i
	}

	for _, s := range stages {
		for _, n := range s.Needs {
			if _, ok := g.index[n]; !ok {
				return nil, fmt.Errorf("%w: %s needs %s", ErrUnknownNeed, s.ID(), n)
			}
		}
	}

	if err := g.checkCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

func (g *Graph) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make([]int, len(g.stages))

	var visit func(i int) error
	visit = func(i int) error {
		switch marks[i] {
		case visiting:
			return fmt.Errorf("%w: through %s", ErrCycle, g.stages[i].ID())
		case done:
			return nil
		}
		marks[i] = visiting
		for _, n := range g.stages[i].Needs {
			if err := visit(g.index[n]); err != nil {
				return err
			}
		}
		marks[i] = done
		return nil
	}

	for i := range g.stages {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) WithLogger(l *slog.Logger) *Graph {
	g.l = l
	return g
}

func (g *Graph) Stages() []Stage {
	return slices.Clone(g.stages)
}

func (g *Graph) Stage(id stage.ID) (Stage, bool) {
	i, ok := g.index[id]
	if !ok {
		return Stage{}, false
	}
	return g.stages[i], true
}

// Run is the record of one pipeline execution.
type Run struct {
	ID         string
	Event      trigger.Event
	StartedAt  time.Time
	FinishedAt time.Time

	mu      sync.Mutex
	state   RunState
	release ReleaseState
	states  map[stage.ID]State
	reasons map[stage.ID]string
	results map[stage.ID]stage.Result
	graph   *Graph
}

func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) Release() ReleaseState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.release
}

func (r *Run) StageState(id stage.ID) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[id]
}

// Stages lists the stages of the graph the run executed, in definition order.
func (r *Run) Stages() []Stage {
	return r.graph.Stages()
}

// Reason explains why a stage was skipped.
func (r *Run) Reason(id stage.ID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasons[id]
}

func (r *Run) Result(id stage.ID) (stage.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	return res, ok
}

// Succeeded reports whether no executed stage failed. Skipped stages do not
// count as failures.
func (r *Run) Succeeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == StateFailed {
			return false
		}
	}
	return true
}

// Run executes the graph for ev under a fresh run ID.
func (g *Graph) Run(ctx context.Context, ev trigger.Event, exec Executor, observers ...Observer) *Run {
	return g.RunWithID(ctx, uuid.NewString(), ev, exec, observers...)
}

// RunWithID executes every stage reachable for ev and returns once all of
// them are terminal. Stages without needs start immediately and
// concurrently. A failing stage never cancels its siblings.
func (g *Graph) RunWithID(ctx context.Context, id string, ev trigger.Event, exec Executor, observers ...Observer) *Run {
	run := &Run{
		ID:        id,
		Event:     ev,
		StartedAt: time.Now(),
		state:     RunPending,
		release:   ReleaseSkipped,
		states:    make(map[stage.ID]State, len(g.stages)),
		reasons:   make(map[stage.ID]string),
		results:   make(map[stage.ID]stage.Result),
		graph:     g,
	}
	for _, s := range g.stages {
		run.states[s.ID()] = StatePending
	}

	l := g.l.With("run", id, "event", ev.String())

	notify := func(t Transition) {
		t.RunID = id
		t.Event = ev
		t.Time = time.Now()
		for _, o := range observers {
			o(t)
		}
	}

	set := func(sid stage.ID, st State, reason string, res *stage.Result) {
		run.mu.Lock()
		run.states[sid] = st
		if reason != "" {
			run.reasons[sid] = reason
		}
		if res != nil {
			run.results[sid] = *res
		}
		run.mu.Unlock()

		l.Info("stage transition", "stage", sid, "state", st, "reason", reason)
		notify(Transition{Stage: sid, State: st, Reason: reason, Result: res})
	}

	run.mu.Lock()
	run.state = RunInProgress
	run.mu.Unlock()
	notify(Transition{RunState: RunInProgress})

	done := make(chan stage.Result, len(g.stages))
	var eg errgroup.Group
	running := 0

	start := func(s Stage) {
		set(s.ID(), StateRunning, "", nil)
		running++
		job := stage.Job{RunID: id, Event: ev, Definition: s.Definition}
		eg.Go(func() error {
			done <- execute(ctx, exec, job)
			return nil
		})
	}

	// settle moves every pending stage that can be decided. Skipping a stage
	// can decide its dependents, so it repeats until nothing changes.
	settle := func() {
		for changed := true; changed; {
			changed = false
			for _, s := range g.stages {
				if run.StageState(s.ID()) != StatePending {
					continue
				}

				deps := make([]State, len(s.Needs))
				for i, n := range s.Needs {
					deps[i] = run.StageState(n)
				}
				gate := s.Gate == nil || s.Gate(ev)

				switch JoinState(deps, gate) {
				case StateRunning:
					start(s)
					changed = true
				case StateSkipped:
					set(s.ID(), StateSkipped, skipReason(s, deps, gate), nil)
					changed = true
				}
			}
		}
	}

	settle()
	for running > 0 {
		res := <-done
		running--

		st := StateSucceeded
		if !res.Succeeded() {
			st = StateFailed
		}
		set(res.Stage, st, "", &res)
		settle()
	}
	_ = eg.Wait()

	run.finish()
	l.Info("run finished", "state", run.State(), "release", run.Release(), "took", run.FinishedAt.Sub(run.StartedAt))
	notify(Transition{RunState: run.State(), Release: run.Release()})

	return run
}

func (r *Run) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.FinishedAt = time.Now()
	r.state = RunAllPassed
	for _, s := range r.graph.stages {
		st := r.states[s.ID()]
		if s.Gate == nil && len(s.Needs) == 0 && st == StateFailed {
			r.state = RunVerificationFailed
		}
		if s.Gate == nil {
			continue
		}
		switch st {
		case StateSucceeded:
			if r.release != ReleasePublishFailed {
				r.release = ReleasePublished
			}
		case StateFailed:
			r.release = ReleasePublishFailed
		}
	}
}

func skipReason(s Stage, deps []State, gate bool) string {
	for i, d := range deps {
		if d == StateFailed || d == StateSkipped {
			return fmt.Sprintf("dependency %s %s", s.Needs[i], d)
		}
	}
	if !gate {
		return "gate not satisfied"
	}
	return ""
}

// execute reports a panicking executor as an internal stage failure.
func execute(ctx context.Context, exec Executor, job stage.Job) (res stage.Result) {
	defer func() {
		if p := recover(); p != nil {
			res = stage.Result{
				Stage:      job.Definition.ID,
				Outcome:    stage.Failure,
				Kind:       stage.FailureInternal,
				Err:        fmt.Errorf("stage %s panicked: %v", job.Definition.ID, p),
				FinishedAt: time.Now(),
			}
		}
	}()
	res = exec.Execute(ctx, job)
	res.Stage = job.Definition.ID
	return res
}
