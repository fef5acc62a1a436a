package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/tandem/pin"
)

const commonRepo = "https://github.com/lablup/backend.ai-common"

func featurePin(ref string) pin.Pin {
	return pin.Pin{Name: "backend.ai-common", Repo: commonRepo, Ref: ref}
}

func loadFixture(t *testing.T, name string) *Manifest {
	t.Helper()
	m, err := Load(filepath.Join("testdata", name))
	require.NoError(t, err)
	return m
}

func TestParseRoundTrip(t *testing.T) {
	inputs := map[string]string{
		"fixture":             "",
		"no trailing newline": "flake8\nmypy>=0.761",
		"crlf":                "flake8\r\nmypy>=0.761\r\n",
		"blank only":          "\n",
		"empty":               "",
	}
	data, err := os.ReadFile(filepath.Join("testdata", "requirements-test.txt"))
	require.NoError(t, err)
	inputs["fixture"] = string(data)

	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			m, err := Parse("requirements.txt", []byte(in))
			require.NoError(t, err)
			assert.Equal(t, in, string(m.Bytes()))
		})
	}
}

func TestParseEntries(t *testing.T) {
	m := loadFixture(t, "requirements-test.txt")

	var names []string
	for _, e := range m.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{
		"aiodocker",
		"aiohttp",
		"backend.ai-common",
		"pytest",
		"pytest-asyncio",
		"codecov",
	}, names)

	_, e := m.Lookup("backend.ai-common")
	require.NotNil(t, e)
	assert.Equal(t, "[dev]", e.Extras)
	assert.Equal(t, ">=19.12.0", e.Spec)
	assert.Equal(t, `; python_version >= "3.6"`, e.Marker)
	assert.Equal(t, "# pinned by CI", e.Comment)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		line int
	}{
		{"bad specifier", "flake8\nmypy latest\n", 2},
		{"url without egg", "git+https://example.com/x.git\n", 1},
		{"duplicate", "flake8\npytest\nflake8>=3\n", 3},
		{"marker only", "flake8\n; python_version < '3'\n", 2},
		{"unclosed extras", "backend.ai-common[dev\n", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("requirements/test.txt", []byte(tt.in))
			var perr *PatchError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.line, perr.Line)
			assert.Equal(t, "requirements/test.txt", perr.Path)
			assert.Contains(t, err.Error(), "requirements/test.txt:")
		})
	}
}

func TestPatchGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)

	m := loadFixture(t, "requirements-test.txt")
	g.Assert(t, "patch_feature_branch", Patch(m, featurePin("feature-x")).Bytes())

	lint := loadFixture(t, "requirements-lint.txt")
	g.Assert(t, "patch_editable_url", Patch(lint, featurePin("fix-1")).Bytes())
}

func TestPatchIsIdempotent(t *testing.T) {
	for _, fixture := range []string{"requirements-test.txt", "requirements-lint.txt"} {
		t.Run(fixture, func(t *testing.T) {
			m := loadFixture(t, fixture)
			p := featurePin("feature-x")

			once := Patch(m, p)
			twice := Patch(once, p)
			assert.Equal(t, string(once.Bytes()), string(twice.Bytes()))
		})
	}
}

func TestPatchPreservesCountAndOrder(t *testing.T) {
	m := loadFixture(t, "requirements-test.txt")
	patched := Patch(m, featurePin("feature-x"))

	before, after := m.Entries(), patched.Entries()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Name, after[i].Name)
		if before[i].Name != "backend.ai-common" {
			assert.Equal(t, before[i], after[i])
		}
	}

	// only the one line differs
	changed := 0
	for i := range m.Lines {
		if m.Lines[i].Raw != patched.Lines[i].Raw {
			changed++
		}
	}
	assert.Equal(t, 1, changed)
}

func TestPatchAbsentIsIdentity(t *testing.T) {
	m := loadFixture(t, "requirements-test.txt")
	p := pin.Pin{Name: "backend.ai-client", Repo: commonRepo, Ref: "feature-x"}

	assert.Equal(t, string(m.Bytes()), string(Patch(m, p).Bytes()))
}

func TestPatchEmptyRef(t *testing.T) {
	m := loadFixture(t, "requirements-test.txt")
	assert.Equal(t, string(m.Bytes()), string(Patch(m, featurePin("")).Bytes()))
}

func TestPatchDoesNotModifyInput(t *testing.T) {
	m := loadFixture(t, "requirements-test.txt")
	before := string(m.Bytes())

	Patch(m, featurePin("feature-x"))
	assert.Equal(t, before, string(m.Bytes()))
}

func TestPatchDefaultRef(t *testing.T) {
	m, err := Parse("requirements.txt", []byte("backend.ai-common>=19.12\n"))
	require.NoError(t, err)

	p := pin.Pin{Name: "backend.ai-common", Repo: commonRepo + "/", Ref: "master", Default: true}
	assert.Equal(t,
		"backend.ai-common @ git+https://github.com/lablup/backend.ai-common@master\n",
		string(Patch(m, p).Bytes()),
	)
}

func TestPatchKeepsCRLF(t *testing.T) {
	m, err := Parse("requirements.txt", []byte("flake8\r\nbackend.ai-common\r\n"))
	require.NoError(t, err)

	got := string(Patch(m, featurePin("fix-1")).Bytes())
	assert.Equal(t, "flake8\r\nbackend.ai-common @ git+https://github.com/lablup/backend.ai-common@fix-1\r\n", got)
}

func TestPatchKeepsEditableSpellingAndIndent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "editable with equals",
			in:   "--editable=git+https://github.com/lablup/backend.ai-common@master#egg=backend.ai-common\n",
			want: "--editable=git+https://github.com/lablup/backend.ai-common@fix-1#egg=backend.ai-common\n",
		},
		{
			name: "long editable flag",
			in:   "--editable git+https://github.com/lablup/backend.ai-common@master#egg=backend.ai-common\n",
			want: "--editable git+https://github.com/lablup/backend.ai-common@fix-1#egg=backend.ai-common\n",
		},
		{
			name: "indented editable",
			in:   "  -e git+https://github.com/lablup/backend.ai-common@master#egg=backend.ai-common\n",
			want: "  -e git+https://github.com/lablup/backend.ai-common@fix-1#egg=backend.ai-common\n",
		},
		{
			name: "indented requirement",
			in:   "flake8\n\tbackend.ai-common>=19.12\n",
			want: "flake8\n\tbackend.ai-common @ git+https://github.com/lablup/backend.ai-common@fix-1\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse("requirements.txt", []byte(tt.in))
			require.NoError(t, err)

			once := Patch(m, featurePin("fix-1"))
			assert.Equal(t, tt.want, string(once.Bytes()))
			assert.Equal(t, tt.want, string(Patch(once, featurePin("fix-1")).Bytes()))
		})
	}
}

func TestCacheKey(t *testing.T) {
	m := loadFixture(t, "requirements-test.txt")
	patched := Patch(m, featurePin("feature-x"))

	assert.Len(t, CacheKey(m), 64)
	assert.Equal(t, CacheKey(m), CacheKey(loadFixture(t, "requirements-test.txt")))
	assert.NotEqual(t, CacheKey(m), CacheKey(patched))
}
