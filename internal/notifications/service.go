package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"foreman/internal/config"
)

const userAgent = "foreman/0.1"

// Event identifies a pipeline milestone worth a push notification.
type Event string

const (
	EventRunStarted   Event = "run_started"
	EventRunCompleted Event = "run_completed"
	EventRunFailed    Event = "run_failed"
	EventWorkerFailed Event = "worker_failed"
	EventEscalation   Event = "escalation"
	EventTest         Event = "test"
)

// Payload carries event fields. Well-known keys: run_id, goal, worker,
// status, error, reason, confidence, completed, failed, duration, artifact.
type Payload map[string]any

// Service publishes pipeline events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds an ntfy-backed service. Without a topic a no-op service
// is returned.
func NewService(cfg *config.Config) Service {
	n := cfg.Notifications
	topic := strings.TrimSpace(n.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(n.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventRunStarted:   n.RunStarted,
			EventRunCompleted: n.RunCompleted,
			EventRunFailed:    n.RunFailed,
			EventWorkerFailed: n.WorkerFailed,
			EventEscalation:   n.Escalation,
			EventTest:         true,
		},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled[event] {
		return nil
	}
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, p Payload) (message, bool) {
	runID := p.text("run_id")
	switch event {
	case EventRunStarted:
		body := "Run started: " + runID
		if goal := p.text("goal"); goal != "" {
			body += " (goal " + goal + ")"
		}
		return message{title: "Foreman - Run Started", body: body, tags: []string{"foreman", "run", "started"}}, true
	case EventRunCompleted:
		body := fmt.Sprintf("✅ Run %s completed: %s workers succeeded", runID, p.text("completed"))
		if failed := p.text("failed"); failed != "" && failed != "0" {
			body += ", " + failed + " failed"
		}
		if d := p.text("duration"); d != "" {
			body += " in " + d
		}
		return message{title: "Foreman - Run Complete", body: body, tags: []string{"foreman", "run", "completed"}}, true
	case EventRunFailed:
		return message{
			title:    "Foreman - Run Failed",
			body:     fmt.Sprintf("❌ Run %s failed: %s", runID, orUnknown(p.text("reason"))),
			tags:     []string{"foreman", "run", "failed"},
			priority: "high",
		}, true
	case EventWorkerFailed:
		return message{
			title: "Foreman - Worker Failed",
			body: fmt.Sprintf("Worker %s %s in run %s: %s",
				p.text("worker"), strings.ToLower(orUnknown(p.text("status"))), runID, orUnknown(p.text("error"))),
			tags: []string{"foreman", "worker", "failed"},
		}, true
	case EventEscalation:
		body := fmt.Sprintf("🙋 Run %s needs review after %s: %s", runID, p.text("worker"), orUnknown(p.text("reason")))
		if artifact := p.text("artifact"); artifact != "" {
			body += "\nReport: " + artifact
		}
		return message{
			title:    "Foreman - Escalation",
			body:     body,
			tags:     []string{"foreman", "escalation", "review"},
			priority: "high",
		}, true
	case EventTest:
		return message{title: "Foreman - Test", body: "🧪 Notification system test", tags: []string{"foreman", "test"}, priority: "low"}, true
	default:
		return message{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p Payload) text(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case time.Duration:
		return t.Round(time.Second).String()
	case float64:
		return fmt.Sprintf("%.2f", t)
	default:
		return fmt.Sprint(t)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
