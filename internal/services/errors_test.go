package services_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"foreman/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExecution, "execution", "launch", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExecution) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"execution", "launch", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestKindAndHint(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{services.Wrap(services.ErrRegistryValidation, "registry", "load", "dup", nil), "registry_validation"},
		{services.Wrap(services.ErrReadinessDeadlock, "pipeline", "round", "stuck", nil), "readiness_deadlock"},
		{fmt.Errorf("outer: %w", services.ErrTimeout), "timeout"},
		{services.ErrProviderUnavailable, "provider_unavailable"},
		{errors.New("plain"), "transient"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := services.Kind(tc.err); got != tc.kind {
			t.Fatalf("Kind(%v) = %q, want %q", tc.err, got, tc.kind)
		}
		if tc.err != nil && services.Hint(tc.err) == "" {
			t.Fatalf("expected hint for %v", tc.err)
		}
	}
}
