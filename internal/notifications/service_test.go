package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"foreman/internal/config"
	"foreman/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventRunFailed, notifications.Payload{"run_id": "r1"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:          "run started",
			event:         notifications.EventRunStarted,
			payload:       notifications.Payload{"run_id": "r1", "goal": "full_review"},
			expectTitle:   "Foreman - Run Started",
			expectMessage: "Run started: r1 (goal full_review)",
			expectTags:    "foreman,run,started",
		},
		{
			name:          "run completed",
			event:         notifications.EventRunCompleted,
			payload:       notifications.Payload{"run_id": "r1", "completed": 3, "failed": 1, "duration": 95 * time.Second},
			expectTitle:   "Foreman - Run Complete",
			expectMessage: "✅ Run r1 completed: 3 workers succeeded, 1 failed in 1m35s",
			expectTags:    "foreman,run,completed",
		},
		{
			name:           "run failed",
			event:          notifications.EventRunFailed,
			payload:        notifications.Payload{"run_id": "r1", "reason": "readiness deadlock"},
			expectTitle:    "Foreman - Run Failed",
			expectMessage:  "❌ Run r1 failed: readiness deadlock",
			expectTags:     "foreman,run,failed",
			expectPriority: "high",
		},
		{
			name:          "worker failed",
			event:         notifications.EventWorkerFailed,
			payload:       notifications.Payload{"run_id": "r1", "worker": "petro", "status": "TIMEOUT", "error": "timed out after 1s"},
			expectTitle:   "Foreman - Worker Failed",
			expectMessage: "Worker petro timeout in run r1: timed out after 1s",
			expectTags:    "foreman,worker,failed",
		},
		{
			name:           "escalation",
			event:          notifications.EventEscalation,
			payload:        notifications.Payload{"run_id": "r1", "worker": "geowiz", "reason": "conflicting logs", "artifact": "escalations/1-geowiz.json"},
			expectTitle:    "Foreman - Escalation",
			expectMessage:  "🙋 Run r1 needs review after geowiz: conflicting logs\nReport: escalations/1-geowiz.json",
			expectTags:     "foreman,escalation,review",
			expectPriority: "high",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("unexpected method: %s", r.Method)
				}
				body, _ := io.ReadAll(r.Body)
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				captured.body = string(body)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			svc := notifications.NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if captured.title != tc.expectTitle {
				t.Fatalf("title = %q, want %q", captured.title, tc.expectTitle)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("body = %q, want %q", captured.body, tc.expectMessage)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("tags = %q, want %q", captured.tags, tc.expectTags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("priority = %q, want %q", captured.priority, tc.expectPriority)
			}
		})
	}
}

func TestNtfyServiceIgnoresDisabledEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call for disabled event: %s", r.Header.Get("Title"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.RunStarted = false
	cfg.Notifications.WorkerFailed = false
	svc := notifications.NewService(&cfg)

	for _, event := range []notifications.Event{notifications.EventRunStarted, notifications.EventWorkerFailed, "unknown"} {
		if err := svc.Publish(context.Background(), event, notifications.Payload{"run_id": "r1"}); err != nil {
			t.Fatalf("expected no error for %s, got %v", event, err)
		}
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic not allowed", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	if err := notifications.NewService(&cfg).Publish(context.Background(), notifications.EventTest, nil); err == nil {
		t.Fatal("expected error for 403 response")
	}
}
