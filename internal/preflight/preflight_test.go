package preflight

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"foreman/internal/config"
	"foreman/internal/registry"
	"foreman/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckLLM_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": `{"ok":true}`}}},
		})
	}))
	defer srv.Close()

	result := CheckLLM(context.Background(), "Decision LLM", config.LLMConfig{APIKey: "good-key", BaseURL: srv.URL, Model: "m"})
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}

	result = CheckLLM(context.Background(), "Decision LLM", config.LLMConfig{APIKey: "bad-key", BaseURL: srv.URL, Model: "m"})
	if result.Passed {
		t.Fatal("expected failure for bad key")
	}
}

func TestCheckLLM_MissingKey(t *testing.T) {
	if result := CheckLLM(context.Background(), "Decision LLM", config.LLMConfig{}); result.Passed {
		t.Fatal("expected failure for missing key")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil, Options{}); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}

	results := RunAll(context.Background(), cfg, Options{})
	if len(results) != 3 {
		t.Fatalf("expected runs, workers and log directory checks, got %d", len(results))
	}
	if failed := Failed(results); len(failed) > 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAll_ChecksWorkerBinariesAndStateDatabase(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSQLiteState())
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New([]registry.Descriptor{
		{Name: "geowiz", Outputs: []string{"geo.json"}, Invocation: registry.Invocation{Command: "clearly-not-present-geowiz"}},
	}, registry.Options{})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	results := RunAll(context.Background(), cfg, Options{Registry: reg, SkipNetwork: true})
	failed := Failed(results)
	if len(failed) != 1 || failed[0].Name != "Worker geowiz" || !strings.Contains(failed[0].Detail, "not found") {
		t.Fatalf("expected only the missing worker binary to fail, got %+v", failed)
	}
	var sawState bool
	for _, r := range results {
		if r.Name == "State database" {
			sawState = r.Passed
		}
	}
	if !sawState {
		t.Fatal("expected a passing state database check")
	}
}

func TestRunAll_SkipsProviderInStaticMode(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Decision.Provider = config.ProviderOpenRouter
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	for _, r := range RunAll(context.Background(), cfg, Options{}) {
		if r.Name == "Decision LLM" {
			t.Fatal("static mode must not contact the provider")
		}
	}
}
