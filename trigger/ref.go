package trigger

import (
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

type BranchName string

// UnknownBranch is used when no branch can be derived from an event. The pin
// resolver never looks it up upstream.
const UnknownBranch BranchName = "unknown"

func (b BranchName) IsUnknown() bool {
	return b == UnknownBranch
}

func (b BranchName) String() string {
	return string(b)
}

// ParseBranch extracts the branch name from the event: the head ref of a pull
// request, the pushed ref otherwise, with any refs/heads/ prefix removed.
func ParseBranch(e Event) BranchName {
	raw := e.Ref
	if e.Kind == KindPullRequest {
		raw = e.HeadRef
	}

	name := stripHeads(strings.TrimSpace(raw))
	if name == "" {
		return UnknownBranch
	}
	return BranchName(name)
}

func stripHeads(ref string) string {
	rn := plumbing.ReferenceName(ref)
	if rn.IsBranch() {
		// Short() turns a bare "refs/heads/" into "heads/"
		return strings.TrimSpace(strings.TrimPrefix(ref, "refs/heads/"))
	}
	return ref
}
