package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/tandem/stage"
	"tangled.sh/tangled.sh/tandem/trigger"
)

const tandemYAML = `
dependency:
  name: backend.ai-common
  repo: https://github.com/lablup/backend.ai-common
  default: master
release:
  tag: "release-*"
provision:
  scratch: /tmp/scratches
  vfroot: /tmp/vfroot/local
  config:
    template: config/sample.toml
    target: agent.toml
  images:
    - lablup/lua:5.3-alpine3.8
    - lablup/python:3.6-ubuntu18.04
stages:
  - id: lint
    manifest: requirements/lint.txt
    command: python -m flake8 src/ai/backend
  - id: test
    manifest: requirements/test.txt
    command: python -m pytest
    provision: true
  - id: publish
    manifest: requirements/build.txt
    needs: lint
    gate: release-tag
    credentials: true
    command: twine upload dist/*
`

func TestUnmarshalDefinition(t *testing.T) {
	def, err := FromFile("tandem.yml", []byte(tandemYAML))
	require.NoError(t, err)

	assert.Equal(t, "tandem.yml", def.Name)
	assert.Equal(t, "backend.ai-common", def.Dependency.Name)
	assert.Equal(t, "master", def.Dependency.Default)
	assert.Equal(t, "release-*", def.Release.Tag)
	assert.Equal(t, "agent.toml", def.Provision.Config.Target)
	assert.ElementsMatch(t, []string{"lablup/lua:5.3-alpine3.8", "lablup/python:3.6-ubuntu18.04"}, def.Provision.Images)

	require.Len(t, def.Stages, 3)
	assert.Equal(t, StringList{"lint"}, def.Stages[2].Needs, "a single need is a list of one")
	assert.True(t, def.Stages[1].Provision)
	assert.True(t, def.Stages[2].Credentials)
}

func TestUnmarshalNeedsList(t *testing.T) {
	def, err := FromFile("tandem.yml", []byte(`
stages:
  - id: publish
    needs: [lint, typecheck]
    command: "true"
`))
	require.NoError(t, err)
	assert.Equal(t, StringList{"lint", "typecheck"}, def.Stages[0].Needs)
	assert.Equal(t, DefaultReleaseTag, def.Release.Tag)
}

func TestUnmarshalNeedsInvalid(t *testing.T) {
	_, err := FromFile("tandem.yml", []byte(`
stages:
  - id: publish
    needs: [[lint]]
    command: "true"
`))
	assert.Error(t, err)
}

func TestEmptyStagesUseDefaults(t *testing.T) {
	def, err := FromFile("tandem.yml", []byte("dependency:\n  name: x\n  repo: https://example.com/x\n  default: main\n"))
	require.NoError(t, err)

	var ids []string
	for _, s := range def.Stages {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"lint", "typecheck", "test", "publish"}, ids)
}

func TestCompile(t *testing.T) {
	def, err := FromFile("tandem.yml", []byte(tandemYAML))
	require.NoError(t, err)

	g, diags := def.Compile()
	require.False(t, diags.IsErr(), diags.Err())
	assert.True(t, diags.IsEmpty())

	publish, ok := g.Stage(stage.Publish)
	require.True(t, ok)
	assert.Equal(t, []stage.ID{stage.Lint}, publish.Needs)
	require.NotNil(t, publish.Gate)
	assert.True(t, publish.Gate(trigger.Event{Kind: trigger.KindPush, Ref: "refs/tags/release-3"}))
	assert.False(t, publish.Gate(trigger.Event{Kind: trigger.KindPush, Ref: "refs/tags/v1.2.0"}))
	assert.False(t, publish.Gate(trigger.Event{Kind: trigger.KindPush, Ref: "refs/heads/release-3"}))

	test, ok := g.Stage(stage.Test)
	require.True(t, ok)
	assert.Nil(t, test.Gate)
	assert.True(t, test.Definition.Provision)
}

func TestCompileDiagnostics(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		errors   int
		warnings int
	}{
		{
			name: "missing command",
			yaml: `
dependency: {name: x, repo: "https://example.com/x", default: main}
stages:
  - id: lint
    manifest: requirements/lint.txt
`,
			errors: 1,
		},
		{
			name: "unknown gate",
			yaml: `
dependency: {name: x, repo: "https://example.com/x", default: main}
stages:
  - id: lint
    manifest: requirements/lint.txt
    command: "true"
    gate: friday
`,
			errors: 1,
		},
		{
			name: "incomplete dependency",
			yaml: `
dependency: {name: x}
stages:
  - id: lint
    manifest: requirements/lint.txt
    command: "true"
`,
			errors: 1,
		},
		{
			name: "unknown need",
			yaml: `
dependency: {name: x, repo: "https://example.com/x", default: main}
stages:
  - id: publish
    manifest: requirements/build.txt
    command: "true"
    needs: lint
`,
			errors: 1,
		},
		{
			name: "no dependency and nothing to provision",
			yaml: `
stages:
  - id: test
    command: "true"
    provision: true
`,
			warnings: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := FromFile("tandem.yml", []byte(tt.yaml))
			require.NoError(t, err)

			g, diags := def.Compile()
			assert.Len(t, diags.Errors, tt.errors)
			assert.Len(t, diags.Warnings, tt.warnings)
			if tt.errors > 0 {
				assert.Nil(t, g)
				assert.Error(t, diags.Err())
			} else {
				assert.NotNil(t, g)
				assert.NoError(t, diags.Err())
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tandem.yml")
	require.NoError(t, os.WriteFile(path, []byte(tandemYAML), 0o644))

	def, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, def.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
