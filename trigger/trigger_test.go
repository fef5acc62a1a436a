package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBranch(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  BranchName
	}{
		{
			name:  "push to feature branch",
			event: Event{Kind: KindPush, Ref: "refs/heads/feature-x"},
			want:  "feature-x",
		},
		{
			name:  "push to nested branch",
			event: Event{Kind: KindPush, Ref: "refs/heads/feature/new-feature"},
			want:  "feature/new-feature",
		},
		{
			name:  "pull request with full head ref",
			event: Event{Kind: KindPullRequest, Ref: "refs/pull/7/merge", HeadRef: "refs/heads/fix-1"},
			want:  "fix-1",
		},
		{
			name:  "pull request with bare head ref",
			event: Event{Kind: KindPullRequest, Ref: "refs/pull/7/merge", HeadRef: "fix-1"},
			want:  "fix-1",
		},
		{
			name:  "tag push keeps the tag ref",
			event: Event{Kind: KindPush, Ref: "refs/tags/v1.2.0"},
			want:  "refs/tags/v1.2.0",
		},
		{
			name:  "bare heads prefix",
			event: Event{Kind: KindPush, Ref: "refs/heads/"},
			want:  UnknownBranch,
		},
		{
			name:  "empty ref",
			event: Event{Kind: KindPush},
			want:  UnknownBranch,
		},
		{
			name:  "pull request without head ref",
			event: Event{Kind: KindPullRequest, Ref: "refs/heads/main"},
			want:  UnknownBranch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseBranch(tt.event)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, got)
		})
	}
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent("push", " refs/heads/main ", "")
	require.NoError(t, err)
	assert.Equal(t, Event{Kind: KindPush, Ref: "refs/heads/main"}, ev)

	_, err = NewEvent("pull_request", "refs/pull/1/merge", "")
	assert.ErrorIs(t, err, ErrMissingHeadRef)

	_, err = NewEvent("push", "refs/heads/main", "fix-1")
	assert.ErrorIs(t, err, ErrUnexpectedHead)

	_, err = NewEvent("push", "", "")
	assert.ErrorIs(t, err, ErrMissingPushRef)

	_, err = NewEvent("schedule", "refs/heads/main", "")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestIsReleaseTag(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		pattern string
		want    bool
	}{
		{"version tag", Event{Kind: KindPush, Ref: "refs/tags/v1.2.0"}, "v*", true},
		{"non matching tag", Event{Kind: KindPush, Ref: "refs/tags/release-1.0"}, "v*", false},
		{"branch push", Event{Kind: KindPush, Ref: "refs/heads/v1"}, "v*", false},
		{"pull request", Event{Kind: KindPullRequest, Ref: "refs/tags/v1.0.0", HeadRef: "v1"}, "v*", false},
		{"any tag", Event{Kind: KindPush, Ref: "refs/tags/20.03.0"}, "*", true},
		{"bad pattern", Event{Kind: KindPush, Ref: "refs/tags/v1"}, "[", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.IsReleaseTag(tt.pattern))
		})
	}
}
