// Package llm provides an OpenRouter chat client used as a reasoning
// provider for adaptive routing.
//
// The client sends a system and user prompt to the configured model with a
// JSON-only response format and returns the raw JSON text; callers decode it
// with DecodeLLMJSON, which tolerates code fences and surrounding prose.
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.CompleteJSON: send system/user prompts, receive JSON response.
// Client.HealthCheck: verify API key and model availability.
//
// # Retry Behaviour
//
// HTTP 408/429/5xx responses, empty completions and network timeouts are
// retried with exponential backoff (base 1s, max 10s, 3 attempts by default),
// honouring Retry-After. Context cancellation aborts retries immediately, so
// the decision maker's provider timeout is a hard bound.
package llm
