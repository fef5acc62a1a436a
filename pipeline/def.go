package pipeline

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tangled.sh/tangled.sh/tandem/provision"
	"tangled.sh/tangled.sh/tandem/stage"
	"tangled.sh/tangled.sh/tandem/trigger"
)

// - a push or pull request triggers one run of the pipeline
// - lint, typecheck and test verify the change in parallel
// - publish waits for all three and only runs for release tags

type (
	// this is simply a structural representation of tandem.yml
	Definition struct {
		Name       string           `yaml:"-"` // path of the definition file
		Dependency stage.Dependency `yaml:"dependency"`
		Release    Release          `yaml:"release"`
		Provision  provision.Config `yaml:"provision"`
		Stages     []StageDef       `yaml:"stages"`
	}

	Release struct {
		Tag string `yaml:"tag"`
	}

	StageDef struct {
		ID          string     `yaml:"id"`
		Manifest    string     `yaml:"manifest"`
		Install     string     `yaml:"install"`
		Command     string     `yaml:"command"`
		Needs       StringList `yaml:"needs"`
		Gate        string     `yaml:"gate"`
		Provision   bool       `yaml:"provision"`
		Credentials bool       `yaml:"credentials"`
	}

	StringList []string
)

const (
	GateReleaseTag = "release-tag"

	DefaultReleaseTag = "v*"
)

func FromFile(name string, contents []byte) (Definition, error) {
	var def Definition

	err := yaml.Unmarshal(contents, &def)
	if err != nil {
		return def, err
	}

	def.Name = name
	if def.Release.Tag == "" {
		def.Release.Tag = DefaultReleaseTag
	}
	if len(def.Stages) == 0 {
		def.Stages = defaultStages()
	}

	return def, nil
}

func Load(path string) (Definition, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("reading pipeline definition: %w", err)
	}
	return FromFile(path, contents)
}

// Default is the lint, typecheck, test and publish pipeline used when a
// repository does not describe its own stages.
func Default(dep stage.Dependency) Definition {
	return Definition{
		Name:       "default",
		Dependency: dep,
		Release:    Release{Tag: DefaultReleaseTag},
		Stages:     defaultStages(),
	}
}

func defaultStages() []StageDef {
	const install = `python -m pip install -U pip setuptools && python -m pip install -U -r "$TANDEM_MANIFEST"`
	return []StageDef{
		{
			ID:       string(stage.Lint),
			Manifest: "requirements/lint.txt",
			Install:  install,
			Command:  "python -m flake8 src/ai/backend",
		},
		{
			ID:       string(stage.Typecheck),
			Manifest: "requirements/typecheck.txt",
			Install:  install,
			Command:  "python -m mypy --no-color-output src/ai/backend",
		},
		{
			ID:        string(stage.Test),
			Manifest:  "requirements/test.txt",
			Install:   install,
			Command:   "python -m pytest -m 'not integration' -v --cov=src",
			Provision: true,
		},
		{
			ID:          string(stage.Publish),
			Manifest:    "requirements/build.txt",
			Install:     install,
			Command:     "python setup.py sdist bdist_wheel && twine upload dist/*",
			Needs:       StringList{string(stage.Lint), string(stage.Typecheck), string(stage.Test)},
			Gate:        GateReleaseTag,
			Credentials: true,
		},
	}
}

// Compile validates the definition and turns it into a runnable graph. The
// graph is nil whenever the diagnostics carry an error.
func (d Definition) Compile() (*Graph, Diagnostics) {
	var diags Diagnostics

	if d.Dependency.Name == "" {
		diags.AddWarning(d.Name, NotPinned, "no dependency is configured, manifests are used as-is")
	} else if d.Dependency.Repo == "" || d.Dependency.Default == "" {
		diags.AddError(d.Name, fmt.Errorf("dependency %q: %w", d.Dependency.Name, ErrIncompleteDependency))
	}

	var stages []Stage
	for i, sd := range d.Stages {
		path := fmt.Sprintf("%s: stages[%d]", d.Name, i)
		if sd.ID != "" {
			path = fmt.Sprintf("%s: %s", d.Name, sd.ID)
		}

		s, err := d.compileStage(sd)
		if err != nil {
			diags.AddError(path, err)
			continue
		}

		if sd.Manifest == "" && d.Dependency.Name != "" {
			diags.AddWarning(path, NotPinned, "stage has no manifest")
		}
		if sd.Provision && len(d.Provision.Images) == 0 && d.Provision.Scratch == "" && d.Provision.Config.Template == "" {
			diags.AddWarning(path, InvalidConfiguration, "provisioning requested but nothing to provision")
		}

		stages = append(stages, s)
	}

	if diags.IsErr() {
		return nil, diags
	}

	g, err := New(stages)
	if err != nil {
		diags.AddError(d.Name, err)
		return nil, diags
	}
	return g, diags
}

func (d Definition) compileStage(sd StageDef) (Stage, error) {
	if sd.ID == "" {
		return Stage{}, ErrMissingID
	}
	if sd.Command == "" {
		return Stage{}, ErrMissingCommand
	}

	s := Stage{
		Definition: stage.Definition{
			ID:          stage.ID(sd.ID),
			Manifest:    sd.Manifest,
			Install:     sd.Install,
			Command:     sd.Command,
			Provision:   sd.Provision,
			Credentials: sd.Credentials,
		},
	}
	for _, n := range sd.Needs {
		s.Needs = append(s.Needs, stage.ID(n))
	}

	switch sd.Gate {
	case "":
	case GateReleaseTag:
		s.Gate = ReleaseTagGate(d.Release.Tag)
	default:
		return Stage{}, fmt.Errorf("%w: %q", ErrUnknownGate, sd.Gate)
	}

	return s, nil
}

// ReleaseTagGate passes only for pushes of tags matching pattern.
func ReleaseTagGate(pattern string) Gate {
	return func(e trigger.Event) bool {
		return e.IsReleaseTag(pattern)
	}
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
