package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration       = errors.New("configuration error")
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrTransient           = errors.New("transient failure")
	ErrRegistryValidation  = errors.New("registry validation error")
	ErrReadinessDeadlock   = errors.New("readiness deadlock")
	ErrExecution           = errors.New("execution error")
	ErrTimeout             = errors.New("timeout")
	ErrProviderUnavailable = errors.New("reasoning provider unavailable")
	ErrEscalation          = errors.New("escalation requested")
	ErrCancelled           = errors.New("cancelled")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind returns a short machine-friendly label for the marker carried by err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRegistryValidation):
		return "registry_validation"
	case errors.Is(err, ErrReadinessDeadlock):
		return "readiness_deadlock"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrEscalation):
		return "escalation"
	case errors.Is(err, ErrExecution):
		return "execution"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "transient"
	}
}

// Hint returns an operator-facing next step for the marker carried by err.
func Hint(err error) string {
	switch Kind(err) {
	case "registry_validation":
		return "fix the worker descriptors and run 'foreman workers validate'"
	case "readiness_deadlock":
		return "check that upstream workers produce the inputs downstream workers require"
	case "timeout":
		return "raise the worker timeout_seconds or pipeline.run_timeout_minutes"
	case "cancelled":
		return "resume the run with 'foreman resume' when ready"
	case "provider_unavailable":
		return "check [llm] or [gemini] credentials; static routing is used meanwhile"
	case "escalation":
		return "review the escalation artifact in the run output directory"
	case "execution":
		return "inspect the worker log under the run logs directory"
	case "configuration":
		return "check config.toml values"
	case "":
		return ""
	default:
		return "check logs for details"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
