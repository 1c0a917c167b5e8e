package execution

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Environment variables injected into every worker.
const (
	EnvRunID      = "RUN_ID"
	EnvOutDir     = "OUT_DIR"
	EnvWorkerName = "WORKER_NAME"
	EnvInputs     = "FOREMAN_INPUTS"
	envInputPref  = "FOREMAN_INPUT_"
)

// InputsArg is a standalone argument that expands to one argument per
// resolved input path.
const InputsArg = "${INPUTS}"

// Invocation values available to argument and env expansion.
type expansion struct {
	runID  string
	outDir string
	worker string
	// inputs maps artifact key to the local path handed to the worker.
	inputs map[string]string
}

func (e expansion) lookup(name string) (string, bool) {
	switch name {
	case "RUN_ID":
		return e.runID, true
	case "OUT_DIR":
		return e.outDir, true
	case "WORKER", "WORKER_NAME":
		return e.worker, true
	}
	if key, ok := strings.CutPrefix(name, "input."); ok {
		path, found := e.inputs[key]
		return path, found
	}
	return "", false
}

// expand replaces ${NAME} placeholders. Unknown placeholders are kept
// verbatim so shell-style variables in worker args survive.
func (e expansion) expand(value string) string {
	return os.Expand(value, func(name string) string {
		if v, ok := e.lookup(name); ok {
			return v
		}
		return "${" + name + "}"
	})
}

func (e expansion) args(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, arg := range raw {
		if arg == InputsArg {
			out = append(out, e.sortedPaths()...)
			continue
		}
		out = append(out, e.expand(arg))
	}
	return out
}

func (e expansion) sortedPaths() []string {
	keys := make([]string, 0, len(e.inputs))
	for key := range e.inputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		paths = append(paths, e.inputs[key])
	}
	return paths
}

// environ builds the worker environment: the parent environment, then the
// descriptor's env, then the injected run variables, which always win.
func (e expansion) environ(base []string, extra map[string]string) []string {
	env := make(map[string]string, len(base)+len(extra)+len(e.inputs)+4)
	order := make([]string, 0, len(base)+len(extra)+len(e.inputs)+4)
	set := func(k, v string) {
		if _, ok := env[k]; !ok {
			order = append(order, k)
		}
		env[k] = v
	}
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			set(k, v)
		}
	}
	extraKeys := make([]string, 0, len(extra))
	for k := range extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		set(k, e.expand(extra[k]))
	}
	set(EnvRunID, e.runID)
	set(EnvOutDir, e.outDir)
	set(EnvWorkerName, e.worker)
	set(EnvInputs, strings.Join(e.sortedPaths(), string(filepath.ListSeparator)))
	for key, path := range e.inputs {
		set(InputEnvName(key), path)
	}

	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+env[k])
	}
	return out
}

// InputEnvName returns the variable carrying the path of artifact key, for
// example "geology/summary.json" becomes FOREMAN_INPUT_GEOLOGY_SUMMARY_JSON.
func InputEnvName(key string) string {
	var b strings.Builder
	b.WriteString(envInputPref)
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
