package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"tangled.sh/tangled.sh/tandem/pin"
)

// PatchError points at a manifest line that could not be understood.
type PatchError struct {
	Path   string
	Line   int
	Text   string
	Reason string
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %q", e.Path, e.Line, e.Reason, e.Text)
}

// Patch points the entry named by p at p.Ref in p.Repo. The input is not
// modified. A manifest without the entry, or a pin without a ref, is
// returned as is.
func Patch(m *Manifest, p pin.Pin) *Manifest {
	idx, e := m.Lookup(p.Name)
	if e == nil || p.Ref == "" {
		return m
	}

	patched := *e
	url := directURL(p.Repo, p.Ref)
	if e.URL {
		patched.Spec = fmt.Sprintf("%s#egg=%s%s", url, e.Name, e.Extras)
	} else {
		patched.Spec = "@ " + url
	}

	out := m.clone()
	raw := patched.Render()
	if strings.HasSuffix(m.Lines[idx].Raw, "\r") {
		raw += "\r"
	}
	out.Lines[idx] = Line{Raw: raw, Entry: &patched}
	return out
}

func directURL(repo, ref string) string {
	repo = strings.TrimSuffix(repo, "/")
	if !strings.HasPrefix(repo, "git+") {
		repo = "git+" + repo
	}
	return repo + "@" + ref
}

// CacheKey identifies the set of packages a manifest installs.
func CacheKey(m *Manifest) string {
	sum := sha256.Sum256(m.Bytes())
	return hex.EncodeToString(sum[:])
}
