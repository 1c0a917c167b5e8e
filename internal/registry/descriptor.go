package registry

import (
	"slices"
	"time"
)

// Inputs lists the artifact keys a worker reads. Required keys gate readiness;
// optional keys are passed through when present.
type Inputs struct {
	Required []string `toml:"required" yaml:"required"`
	Optional []string `toml:"optional" yaml:"optional"`
}

// Invocation describes how to start the worker process.
type Invocation struct {
	Command string            `toml:"command" yaml:"command"`
	Args    []string          `toml:"args" yaml:"args"`
	Env     map[string]string `toml:"env" yaml:"env"`
	WorkDir string            `toml:"workdir" yaml:"workdir"`
}

// Transitions is the static routing graph edge set for one worker.
type Transitions struct {
	OnSuccess []string `toml:"on_success" yaml:"on_success"`
	OnFailure []string `toml:"on_failure" yaml:"on_failure"`
}

// Descriptor is the closed definition of one worker. Unknown fields are
// rejected when decoding.
type Descriptor struct {
	Name           string      `toml:"name" yaml:"name"`
	Label          string      `toml:"label" yaml:"label"`
	TimeoutSeconds int         `toml:"timeout_seconds" yaml:"timeout_seconds"`
	Terminal       bool        `toml:"terminal" yaml:"terminal"`
	Outputs        []string    `toml:"outputs" yaml:"outputs"`
	Inputs         Inputs      `toml:"inputs" yaml:"inputs"`
	Invocation     Invocation  `toml:"invocation" yaml:"invocation"`
	Transitions    Transitions `toml:"transitions" yaml:"transitions"`

	// Source is the file the descriptor was loaded from, if any.
	Source string `toml:"-" yaml:"-"`
}

// Timeout returns the per-execution timeout.
func (d Descriptor) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DisplayName returns the label when set, otherwise the name.
func (d Descriptor) DisplayName() string {
	if d.Label != "" {
		return d.Label
	}
	return d.Name
}

func (d Descriptor) clone() Descriptor {
	out := d
	out.Outputs = slices.Clone(d.Outputs)
	out.Inputs.Required = slices.Clone(d.Inputs.Required)
	out.Inputs.Optional = slices.Clone(d.Inputs.Optional)
	out.Invocation.Args = slices.Clone(d.Invocation.Args)
	if d.Invocation.Env != nil {
		out.Invocation.Env = make(map[string]string, len(d.Invocation.Env))
		for k, v := range d.Invocation.Env {
			out.Invocation.Env[k] = v
		}
	}
	out.Transitions.OnSuccess = slices.Clone(d.Transitions.OnSuccess)
	out.Transitions.OnFailure = slices.Clone(d.Transitions.OnFailure)
	return out
}
