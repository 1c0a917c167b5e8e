package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"foreman/internal/artifact"
	"foreman/internal/logging"
	"foreman/internal/services"
)

// Options tunes registry construction.
type Options struct {
	// ExternalInputs are keys supplied from outside the pipeline (seeded
	// files). Required inputs may be satisfied by them instead of a producer.
	ExternalInputs []string
	// DefaultTimeout applies to descriptors without timeout_seconds.
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// Registry is the immutable, validated catalog of workers for a run.
type Registry struct {
	workers   map[string]Descriptor
	names     []string
	external  []string
	entry     []string
	warnings  []string
	producers map[string][]string
}

// Load reads every descriptor in dir and validates the resulting catalog.
func Load(dir string, opts Options) (*Registry, error) {
	descs, err := ReadDir(dir)
	if err != nil {
		return nil, services.Wrap(services.ErrRegistryValidation, "registry", "load", "Failed to read worker descriptors", err)
	}
	return New(descs, opts)
}

// New validates descs and builds a registry. Validation problems are joined
// into a single error tagged with services.ErrRegistryValidation. Dangling
// transition targets are tolerated: the edge is dropped and a warning kept.
func New(descs []Descriptor, opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With(logging.String(logging.FieldComponent, "registry"))

	if len(descs) == 0 {
		return nil, services.Wrap(services.ErrRegistryValidation, "registry", "validate", "No workers defined", nil)
	}

	reg := &Registry{
		workers:   make(map[string]Descriptor, len(descs)),
		producers: make(map[string][]string),
	}
	var errs []error

	for _, key := range opts.ExternalInputs {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if err := artifact.ValidateKey(key, true); err != nil {
			errs = append(errs, fmt.Errorf("external input %q: %w", key, err))
			continue
		}
		reg.external = append(reg.external, key)
	}

	for i, raw := range descs {
		desc := normalizeDescriptor(raw.clone())
		if desc.TimeoutSeconds <= 0 && opts.DefaultTimeout > 0 {
			desc.TimeoutSeconds = int(opts.DefaultTimeout / time.Second)
		}
		label := desc.Name
		if label == "" {
			label = fmt.Sprintf("descriptor #%d", i+1)
			if desc.Source != "" {
				label = desc.Source
			}
		}
		if problems := checkDescriptor(desc); len(problems) > 0 {
			for _, p := range problems {
				errs = append(errs, fmt.Errorf("worker %s: %s", label, p))
			}
			continue
		}
		if _, dup := reg.workers[desc.Name]; dup {
			errs = append(errs, fmt.Errorf("worker %s: duplicate name", desc.Name))
			continue
		}
		reg.workers[desc.Name] = desc
		reg.names = append(reg.names, desc.Name)
		for _, out := range desc.Outputs {
			reg.producers[out] = append(reg.producers[out], desc.Name)
		}
	}
	sort.Strings(reg.names)

	if len(errs) == 0 {
		errs = append(errs, reg.checkInputsProducible()...)
	}
	if len(errs) > 0 {
		return nil, services.Wrap(services.ErrRegistryValidation, "registry", "validate", "Worker registry is invalid", errors.Join(errs...))
	}

	reg.pruneTransitions(logger)
	reg.entry = reg.computeEntry()
	logger.Debug("worker registry loaded",
		logging.Int("workers", len(reg.names)),
		logging.Strings("entry_workers", reg.entry),
		logging.Int("warnings", len(reg.warnings)),
	)
	return reg, nil
}

func normalizeDescriptor(desc Descriptor) Descriptor {
	desc.Name = strings.TrimSpace(desc.Name)
	desc.Label = strings.TrimSpace(desc.Label)
	desc.Invocation.Command = strings.TrimSpace(desc.Invocation.Command)
	desc.Outputs = trimKeys(desc.Outputs)
	desc.Inputs.Required = trimKeys(desc.Inputs.Required)
	desc.Inputs.Optional = trimKeys(desc.Inputs.Optional)
	desc.Transitions.OnSuccess = trimKeys(desc.Transitions.OnSuccess)
	desc.Transitions.OnFailure = trimKeys(desc.Transitions.OnFailure)
	return desc
}

func trimKeys(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func checkDescriptor(desc Descriptor) []string {
	var problems []string
	if desc.Name == "" {
		problems = append(problems, "name is required")
	} else if strings.ContainsAny(desc.Name, " \t/\\") {
		problems = append(problems, "name must not contain whitespace or path separators")
	}
	if desc.Invocation.Command == "" {
		problems = append(problems, "invocation.command is required")
	}
	if desc.TimeoutSeconds <= 0 {
		problems = append(problems, "timeout_seconds must be positive")
	}
	if len(desc.Outputs) == 0 && !desc.Terminal {
		problems = append(problems, "at least one output is required unless terminal = true")
	}
	for _, out := range desc.Outputs {
		if err := artifact.ValidateKey(out, false); err != nil {
			problems = append(problems, fmt.Sprintf("output %q: %v", out, err))
		}
	}
	for _, in := range append(slices.Clone(desc.Inputs.Required), desc.Inputs.Optional...) {
		if err := artifact.ValidateKey(in, true); err != nil {
			problems = append(problems, fmt.Sprintf("input %q: %v", in, err))
		}
	}
	return problems
}

// checkInputsProducible rejects required inputs that no other worker
// produces and no external input covers. Such a worker could never run.
func (r *Registry) checkInputsProducible() []error {
	var errs []error
	for _, name := range r.names {
		desc := r.workers[name]
		for _, in := range desc.Inputs.Required {
			if r.coveredExternally(in) {
				continue
			}
			producers := r.producersOf(in)
			others := slices.DeleteFunc(slices.Clone(producers), func(p string) bool { return p == name })
			switch {
			case len(producers) == 0:
				errs = append(errs, fmt.Errorf("worker %s: required input %q has no producer", name, in))
			case len(others) == 0:
				errs = append(errs, fmt.Errorf("worker %s: required input %q is only produced by itself", name, in))
			}
		}
	}
	return errs
}

func (r *Registry) coveredExternally(input string) bool {
	for _, ext := range r.external {
		if artifact.Overlaps(input, ext) {
			return true
		}
	}
	return false
}

func (r *Registry) pruneTransitions(logger *slog.Logger) {
	for _, name := range r.names {
		desc := r.workers[name]
		desc.Transitions.OnSuccess = r.pruneEdges(logger, name, "on_success", desc.Transitions.OnSuccess)
		desc.Transitions.OnFailure = r.pruneEdges(logger, name, "on_failure", desc.Transitions.OnFailure)
		r.workers[name] = desc
	}
}

func (r *Registry) pruneEdges(logger *slog.Logger, from, kind string, targets []string) []string {
	kept := targets[:0]
	for _, target := range targets {
		if _, ok := r.workers[target]; ok {
			kept = append(kept, target)
			continue
		}
		msg := fmt.Sprintf("worker %s: %s target %q is not registered; edge ignored", from, kind, target)
		r.warnings = append(r.warnings, msg)
		logging.WarnWithContext(logger, "dangling transition ignored", "registry_dangling_edge",
			logging.String(logging.FieldWorker, from),
			logging.String("edge", kind),
			logging.String("target", target),
			logging.String(logging.FieldErrorHint, "remove the edge or add the missing worker descriptor"),
			logging.String(logging.FieldImpact, "transition is skipped during routing"),
		)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// computeEntry returns workers that no transition targets. When every worker
// is targeted (a cycle), all workers are entry candidates and readiness
// decides what starts.
func (r *Registry) computeEntry() []string {
	targeted := make(map[string]struct{})
	for _, desc := range r.workers {
		for _, t := range desc.Transitions.OnSuccess {
			if t != desc.Name {
				targeted[t] = struct{}{}
			}
		}
		for _, t := range desc.Transitions.OnFailure {
			if t != desc.Name {
				targeted[t] = struct{}{}
			}
		}
	}
	var entry []string
	for _, name := range r.names {
		if _, ok := targeted[name]; !ok {
			entry = append(entry, name)
		}
	}
	if len(entry) == 0 {
		return slices.Clone(r.names)
	}
	return entry
}

func (r *Registry) producersOf(key string) []string {
	var out []string
	for output, names := range r.producers {
		if artifact.Overlaps(key, output) {
			out = append(out, names...)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	desc, ok := r.workers[name]
	if !ok {
		return Descriptor{}, false
	}
	return desc.clone(), true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.workers[name]
	return ok
}

// Names returns worker names in sorted order.
func (r *Registry) Names() []string { return slices.Clone(r.names) }

// All returns every descriptor in name order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.workers[name].clone())
	}
	return out
}

// Len returns the number of workers.
func (r *Registry) Len() int { return len(r.names) }

// Producers returns workers whose declared outputs can satisfy key. A
// wildcard key matches any output under its prefix.
func (r *Registry) Producers(key string) []string { return r.producersOf(key) }

// IsOutput reports whether some worker declares an output matching key.
func (r *Registry) IsOutput(key string) bool { return len(r.producersOf(key)) > 0 }

// IsExternal reports whether key is covered by a configured external input.
func (r *Registry) IsExternal(key string) bool {
	for _, ext := range r.external {
		if artifact.Match(ext, key) {
			return true
		}
	}
	return false
}

// Entry returns the workers that start a run when no goal overrides them.
func (r *Registry) Entry() []string { return slices.Clone(r.entry) }

// Warnings returns non-fatal validation findings.
func (r *Registry) Warnings() []string { return slices.Clone(r.warnings) }

// Filter returns the subset of names that are registered, preserving order,
// plus the names that were dropped.
func (r *Registry) Filter(names []string) (known, unknown []string) {
	for _, name := range names {
		if r.Has(name) {
			known = append(known, name)
		} else {
			unknown = append(unknown, name)
		}
	}
	return known, unknown
}
