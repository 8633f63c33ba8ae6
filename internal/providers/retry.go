package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Option-map keys shared by the hand-rolled OpenAI-compatible providers
// ; the Anthropic SDK
// provider takes these through typed ChatRequest/Options too so every
// provider reads the same keys regardless of wire format.
const (
	OptMaxTokens       = "max_tokens"
	OptTemperature     = "temperature"
	OptThinkingLevel   = "thinking_level" // "low", "medium", "high", "off"
	OptReasoningEffort = "reasoning_effort"
	OptEnableThinking  = "enable_thinking"
	OptThinkingBudget  = "thinking_budget"
)

// RetryConfig bounds the hand-rolled HTTP providers' retry behavior on
// transient failures (429, 5xx, connection resets).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the teacher's provider-call retry posture:
// a handful of attempts with capped exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// HTTPError describes a non-2xx response from an upstream API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the error is worth retrying: rate limits and
// server errors, not 4xx client errors.
func (e *HTTPError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// ParseRetryAfter parses a Retry-After header value (seconds, the only
// form the providers in this package send) into a duration.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// RetryDo runs fn with exponential backoff, honoring ctx cancellation and
// any Retry-After an HTTPError carries. Non-retryable errors return
// immediately on the first attempt.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			return zero, err
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := delay
		var httpErr2 *HTTPError
		if errors.As(err, &httpErr2) && httpErr2.RetryAfter > 0 {
			wait = httpErr2.RetryAfter
		}
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return zero, lastErr
}

// CleanSchemaForProvider returns schema unchanged, substituting an empty
// object schema when schema is nil. It does not strip or rewrite any
// keywords, whatever the provider.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return schema
}

// CleanToolSchemas converts tool definitions to the OpenAI-compatible wire
// format ({type:"function", function:{...}}), applying CleanSchemaForProvider
// to each parameter schema.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}
