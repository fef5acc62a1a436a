package stage

import (
	"time"

	"tangled.sh/tangled.sh/tandem/trigger"
)

type ID string

const (
	Lint      ID = "lint"
	Typecheck ID = "typecheck"
	Test      ID = "test"
	Publish   ID = "publish"
)

// Definition is everything the runner needs to execute one stage.
type Definition struct {
	ID ID
	// requirements file installed before the tool runs, relative to the workdir
	Manifest string
	Install  string
	Command  string
	// prepare scratch directories, config and images before running
	Provision bool
	// hand the publish credentials to the commands
	Credentials bool
}

// Job is one execution of a stage within a run.
type Job struct {
	RunID      string
	Event      trigger.Event
	Definition Definition
}

type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// FailureKind tells apart the ways a stage can fail.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailurePatch        FailureKind = "patch"
	FailureProvisioning FailureKind = "provisioning"
	FailureTool         FailureKind = "tool"
	FailureInternal     FailureKind = "internal"
)

type Result struct {
	Stage      ID
	Outcome    Outcome
	Kind       FailureKind
	Err        error
	ExitCode   int
	Branch     trigger.BranchName
	PinnedRef  string
	LogPath    string
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r Result) Succeeded() bool {
	return r.Outcome == Success
}

func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
