package gemini

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"
)

func TestCompleteJSONReturnsCandidateText(t *testing.T) {
	var gotModel string
	var gotCfg *genai.GenerateContentConfig
	client := newWithGenerator("", func(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		gotModel = model
		gotCfg = cfg
		if len(contents) != 1 || contents[0].Parts[0].Text != "completed: geowiz" {
			t.Fatalf("unexpected contents %+v", contents)
		}
		return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: `{"next_workers":`}, {Text: `["reporter"]}`}}},
		}}}, nil
	})

	text, err := client.CompleteJSON(context.Background(), "route the pipeline", "completed: geowiz")
	if err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if text != `{"next_workers":["reporter"]}` {
		t.Fatalf("unexpected text %q", text)
	}
	if gotModel != defaultModel {
		t.Fatalf("expected default model, got %q", gotModel)
	}
	if gotCfg.ResponseMIMEType != "application/json" || gotCfg.SystemInstruction == nil {
		t.Fatalf("unexpected config %+v", gotCfg)
	}
	if client.Name() != "gemini:"+defaultModel {
		t.Fatalf("unexpected name %q", client.Name())
	}
}

func TestCompleteJSONErrors(t *testing.T) {
	failing := newWithGenerator("m", func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return nil, errors.New("quota exceeded")
	})
	if _, err := failing.CompleteJSON(context.Background(), "s", "u"); err == nil || !strings.Contains(err.Error(), "quota") {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	empty := newWithGenerator("m", func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{}, nil
	})
	if _, err := empty.CompleteJSON(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected error for empty response")
	}
	if _, err := empty.CompleteJSON(context.Background(), "s", " "); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without api key")
	}
}
