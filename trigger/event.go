// Package trigger describes the event that started a pipeline run and derives
// the branch name used for dependency resolution from it.
package trigger

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

type Kind string

const (
	KindPush        Kind = "push"
	KindPullRequest Kind = "pull_request"
)

var (
	ErrUnknownKind    = errors.New("unknown event kind")
	ErrMissingHeadRef = errors.New("pull_request event without head_ref")
	ErrUnexpectedHead = errors.New("push event with head_ref")
	ErrMissingPushRef = errors.New("push event without ref")
)

// Event is the trigger of a single pipeline run. It is built once, at the
// edge of the program, and passed by value to everything that needs it.
type Event struct {
	Kind    Kind   `json:"event_kind"`
	Ref     string `json:"ref"`
	HeadRef string `json:"head_ref,omitempty"`
}

func NewEvent(kind, ref, headRef string) (Event, error) {
	ev := Event{
		Kind:    Kind(strings.TrimSpace(kind)),
		Ref:     strings.TrimSpace(ref),
		HeadRef: strings.TrimSpace(headRef),
	}
	return ev, ev.Validate()
}

func (e Event) Validate() error {
	switch e.Kind {
	case KindPush:
		if e.HeadRef != "" {
			return ErrUnexpectedHead
		}
		if e.Ref == "" {
			return ErrMissingPushRef
		}
	case KindPullRequest:
		if e.HeadRef == "" {
			return ErrMissingHeadRef
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	return nil
}

// IsReleaseTag reports whether the event is a push of a tag whose short name
// matches the glob pattern, e.g. "v*".
func (e Event) IsReleaseTag(pattern string) bool {
	if e.Kind != KindPush {
		return false
	}
	ref := plumbing.ReferenceName(e.Ref)
	if !ref.IsTag() {
		return false
	}
	ok, err := path.Match(pattern, ref.Short())
	return err == nil && ok
}

func (e Event) String() string {
	if e.Kind == KindPullRequest {
		return fmt.Sprintf("%s(%s)", e.Kind, e.HeadRef)
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.Ref)
}
