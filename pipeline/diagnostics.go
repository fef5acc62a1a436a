package pipeline

import (
	"errors"
	"fmt"
)

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

// Err joins every error diagnostic, or returns nil.
func (d Diagnostics) Err() error {
	var errs []error
	for _, e := range d.Errors {
		errs = append(errs, fmt.Errorf("%s: %w", e.Path, e.Error))
	}
	return errors.Join(errs...)
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

var (
	ErrMissingID            = errors.New("stage has no id")
	ErrMissingCommand       = errors.New("stage has no command")
	ErrUnknownGate          = errors.New("unknown gate")
	ErrIncompleteDependency = errors.New("dependency needs both repo and default")
	ErrDuplicateStage       = errors.New("duplicate stage")
	ErrUnknownNeed          = errors.New("unknown dependency stage")
	ErrCycle                = errors.New("stage dependencies form a cycle")
)

type WarningKind string

var (
	NotPinned            WarningKind = "dependency not pinned"
	InvalidConfiguration WarningKind = "invalid configuration"
)
