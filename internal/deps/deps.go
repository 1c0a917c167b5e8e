package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"foreman/internal/registry"
)

// Requirement defines an external program a worker relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a requirement.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		switch {
		case cmd == "":
			status.Detail = "command not configured"
		case strings.Contains(cmd, "${"):
			// Resolved per run; nothing to check ahead of time.
			status.Available = true
			status.Detail = "resolved at launch"
		default:
			if _, err := exec.LookPath(cmd); err != nil {
				status.Detail = fmt.Sprintf("binary %q not found", cmd)
			} else {
				status.Available = true
			}
		}
		results = append(results, status)
	}
	return results
}

// WorkerRequirements turns worker invocations into requirements. Workers on
// the escalation path are optional since most runs never reach them.
func WorkerRequirements(descs []registry.Descriptor, optional ...string) []Requirement {
	opt := make(map[string]bool, len(optional))
	for _, name := range optional {
		opt[name] = true
	}
	reqs := make([]Requirement, 0, len(descs))
	for _, desc := range descs {
		reqs = append(reqs, Requirement{
			Name:        desc.Name,
			Command:     desc.Invocation.Command,
			Description: desc.DisplayName(),
			Optional:    opt[desc.Name],
		})
	}
	return reqs
}

// Missing returns the required statuses that are unavailable.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			out = append(out, s)
		}
	}
	return out
}
