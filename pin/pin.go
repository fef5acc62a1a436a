// Package pin decides which ref of a sibling repository a dependency is
// installed from: the branch with the same name as the one under test when
// it exists upstream, the default ref otherwise.
package pin

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"tangled.sh/tangled.sh/tandem/log"
	"tangled.sh/tangled.sh/tandem/trigger"
)

// Pin is the resolved reference for one dependency.
type Pin struct {
	Name    string `json:"name"`
	Repo    string `json:"repo"`
	Ref     string `json:"ref"`
	Default bool   `json:"default"`
}

func (p Pin) String() string {
	return fmt.Sprintf("%s@%s", p.Name, p.Ref)
}

// Remote lists the branch names of a repository.
type Remote interface {
	Branches(ctx context.Context, url string) ([]string, error)
}

type Resolver struct {
	remote  Remote
	cache   Cache
	timeout time.Duration
	ttl     time.Duration
	l       *slog.Logger
}

type Option func(*Resolver)

func WithCache(c Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.ttl = ttl
	}
}

func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.l = l
	}
}

func NewResolver(remote Remote, opts ...Option) *Resolver {
	r := &Resolver{
		remote:  remote,
		timeout: 15 * time.Second,
		ttl:     5 * time.Minute,
		l:       log.New("pin"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve never fails: any problem looking up the remote is logged and the
// default ref is used.
func (r *Resolver) Resolve(ctx context.Context, branch trigger.BranchName, repoURL, name, defaultRef string) Pin {
	l := r.l.With("dependency", name, "branch", branch, "repo", repoURL)

	fallback := Pin{Name: name, Repo: repoURL, Ref: defaultRef, Default: true}
	if branch.IsUnknown() || branch == "" {
		l.Info("no branch to match, using default", "ref", defaultRef)
		return fallback
	}

	branches, err := r.branches(ctx, repoURL)
	if err != nil {
		l.Warn("branch lookup failed, using default", "ref", defaultRef, "error", err)
		return fallback
	}

	if !slices.Contains(branches, string(branch)) {
		l.Info("no matching upstream branch, using default", "ref", defaultRef)
		return fallback
	}

	l.Info("matched upstream branch", "ref", branch)
	return Pin{Name: name, Repo: repoURL, Ref: string(branch)}
}

// branches consults the cache and then the remote. Both share one deadline,
// so an unreachable cache cannot hold up resolution past the timeout.
func (r *Resolver) branches(ctx context.Context, url string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.cache != nil {
		hit, err := bounded(ctx, func() cacheHit {
			bs, ok := r.cache.Get(ctx, url)
			return cacheHit{bs, ok}
		})
		if err != nil {
			r.l.Warn("branch cache lookup timed out", "url", url)
		} else if hit.ok {
			return hit.branches, nil
		}
	}

	bs, err := r.query(ctx, url)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		_, err := bounded(ctx, func() struct{} {
			r.cache.Set(ctx, url, bs, r.ttl)
			return struct{}{}
		})
		if err != nil {
			r.l.Warn("branch cache write timed out", "url", url)
		}
	}
	return bs, nil
}

type cacheHit struct {
	branches []string
	ok       bool
}

// bounded runs f until it returns or ctx is done, whichever is first. f keeps
// running in the background after ctx is done.
func bounded[T any](ctx context.Context, f func() T) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}

	done := make(chan T, 1)
	go func() {
		done <- f()
	}()

	select {
	case v := <-done:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type queryResult struct {
	branches []string
	err      error
}

// query bounds the remote call by the resolver timeout, including remotes
// that do not watch their context.
func (r *Resolver) query(ctx context.Context, url string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := bounded(ctx, func() queryResult {
		bs, err := r.remote.Branches(ctx, url)
		return queryResult{bs, err}
	})
	if err != nil {
		return nil, &ResolutionError{URL: url, Err: err}
	}
	if res.err != nil {
		return nil, &ResolutionError{URL: url, Err: res.err}
	}
	return res.branches, nil
}
