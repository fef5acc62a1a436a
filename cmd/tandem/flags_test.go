package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/tandem/trigger"
)

func parseEvent(t *testing.T, args ...string) (trigger.Event, error) {
	t.Helper()
	var (
		ev  trigger.Event
		err error
	)
	cmd := &cli.Command{
		Name:  "run",
		Flags: eventFlags(),
		Action: func(_ context.Context, cmd *cli.Command) error {
			ev, err = eventFrom(cmd)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"run"}, args...)))
	return ev, err
}

func TestEventFromFlags(t *testing.T) {
	ev, err := parseEvent(t, "--event", "push", "--ref", "refs/heads/feature/x")
	require.NoError(t, err)
	assert.Equal(t, trigger.Event{Kind: trigger.KindPush, Ref: "refs/heads/feature/x"}, ev)
}

func TestEventFromQualifiesHeadRef(t *testing.T) {
	ev, err := parseEvent(t, "--event", "pull_request", "--ref", "refs/pull/7/merge", "--head-ref", "feature/x")
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/feature/x", ev.HeadRef)
	assert.Equal(t, trigger.BranchName("feature/x"), trigger.ParseBranch(ev))
}

func TestEventFromEnvironment(t *testing.T) {
	for _, name := range []string{"TANDEM_EVENT", "TANDEM_REF", "TANDEM_HEAD_REF", "GITHUB_HEAD_REF"} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
	t.Setenv("GITHUB_EVENT_NAME", "push")
	t.Setenv("GITHUB_REF", "refs/tags/v1.0.0")

	ev, err := parseEvent(t)
	require.NoError(t, err)
	assert.Equal(t, "refs/tags/v1.0.0", ev.Ref)
}

func TestEventFromInvalid(t *testing.T) {
	_, err := parseEvent(t, "--event", "release", "--ref", "refs/tags/v1")
	assert.Error(t, err)
}
