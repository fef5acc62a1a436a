package pin

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"
	"tangled.sh/tangled.sh/tandem/log"
)

// GitRemote lists branches by advertising the refs of a remote, the same as
// `git ls-remote --heads`. Nothing is cloned.
type GitRemote struct {
	Attempts uint
	Delay    time.Duration
	l        *slog.Logger
}

func NewGitRemote(attempts uint, l *slog.Logger) *GitRemote {
	if l == nil {
		l = log.New("pin")
	}
	return &GitRemote{
		Attempts: attempts,
		Delay:    500 * time.Millisecond,
		l:        l,
	}
}

func (g *GitRemote) Branches(ctx context.Context, url string) ([]string, error) {
	rem := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})

	attempts := g.Attempts
	if attempts == 0 {
		attempts = 1
	}

	var branches []string
	err := retry.Do(func() error {
		refs, err := rem.ListContext(ctx, &git.ListOptions{})
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			branches = nil
			return nil
		}
		if err != nil {
			return err
		}

		branches = branches[:0]
		for _, ref := range refs {
			if ref.Name().IsBranch() {
				branches = append(branches, ref.Name().Short())
			}
		}
		return nil
	},
		retry.Attempts(attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(g.Delay),
		retry.MaxJitter(g.Delay/5),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			g.l.Info("retrying branch listing", "url", url, "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}

	return branches, nil
}

// a missing repository or bad credentials will not fix themselves on retry
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return false
	}
	return true
}
