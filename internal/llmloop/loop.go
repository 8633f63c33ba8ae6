// Package llmloop runs the Think→Act→Observe tool-use loop shared by
// ReactiveEngine and AgenticEngine. It is
// grounded on the teacher's internal/agent/loop.go shape — iterate until
// stop_reason == end_turn or an iteration cap, dispatch same-turn tool
// calls in parallel via goroutines + a buffered channel, then reassemble
// results in call order before the next provider turn — reimplemented
// self-contained against toolrouter.Router rather than the teacher's
// Registry/session-store infrastructure.
package llmloop

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aldermoor/reedbot/internal/providers"
	"github.com/aldermoor/reedbot/internal/tools"
	"github.com/aldermoor/reedbot/internal/toolrouter"
)

// Result is the outcome of running the loop to completion.
type Result struct {
	FinalText      string
	HitIterationCap bool
	ServerToolUses []toolrouter.ServerToolUse
	Citations      []toolrouter.Citation
	Usage          providers.Usage
}

// Loop drives a provider through repeated tool-use turns.
type Loop struct {
	provider     providers.Provider
	router       *toolrouter.Router
	iterationCap int
	throttle     *rate.Limiter
	logger       *slog.Logger
	options      map[string]interface{}
}

// New creates a Loop. iterationCap <= 0 falls back to toolrouter.DefaultIterationCap.
// The provider call is gated by a process-wide throttle defaulting to one
// request/second — independent of RateLimiter's per-channel response
// counters, this is purely a courtesy cap on outbound LLM API traffic.
func New(provider providers.Provider, router *toolrouter.Router, iterationCap int) *Loop {
	if iterationCap <= 0 {
		iterationCap = toolrouter.DefaultIterationCap
	}
	return &Loop{
		provider:     provider,
		router:       router,
		iterationCap: iterationCap,
		throttle:     rate.NewLimiter(rate.Every(time.Second), 1),
		logger:       slog.Default(),
	}
}

// WithThrottle overrides the default provider-call throttle, e.g. to match a
// specific provider's published requests-per-second limit.
func (l *Loop) WithThrottle(limiter *rate.Limiter) *Loop {
	if limiter != nil {
		l.throttle = limiter
	}
	return l
}

// WithLogger overrides the default logger used for per-run diagnostics.
func (l *Loop) WithLogger(logger *slog.Logger) *Loop {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// WithOptions sets the provider options (extended thinking level, max
// tokens, ...) applied to every ChatRequest this Loop issues. Kept as a
// Loop-level setting rather than a Run parameter so the call sites in
// ReactiveEngine/AgenticEngine don't have to thread a config struct through
// every invocation.
func (l *Loop) WithOptions(opts map[string]interface{}) *Loop {
	l.options = opts
	return l
}

// Run executes the loop starting from the given seed messages (typically a
// system + user turn from contextbuilder.Build), returning the final text
// once the provider reports stop_reason == end_turn ("stop" in ChatResponse)
// or the iteration cap is reached.
func (l *Loop) Run(ctx context.Context, model string, messages []providers.Message) (*Result, error) {
	tools := l.router.Definitions()
	result := &Result{}
	runID := uuid.NewString()

	for iter := 0; iter < l.iterationCap; iter++ {
		if err := l.throttle.Wait(ctx); err != nil {
			return nil, fmt.Errorf("llmloop: throttle wait: %w", err)
		}
		resp, err := l.provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    tools,
			Model:    model,
			Options:  l.options,
		})
		if err != nil {
			return nil, fmt.Errorf("llmloop: provider call: %w", err)
		}
		if resp.Usage != nil {
			result.Usage.PromptTokens += resp.Usage.PromptTokens
			result.Usage.CompletionTokens += resp.Usage.CompletionTokens
			result.Usage.TotalTokens += resp.Usage.TotalTokens
			result.Usage.CacheCreationTokens += resp.Usage.CacheCreationTokens
			result.Usage.CacheReadTokens += resp.Usage.CacheReadTokens
			result.Usage.ThinkingTokens += resp.Usage.ThinkingTokens
		}

		// Server-side tools (web_search/web_fetch) run on the provider, not
		// through the router's Execute path, but still need quota accounting
		// and their citations surfaced to the user.
		if len(resp.ServerToolUses) > 0 {
			result.ServerToolUses = append(result.ServerToolUses, resp.ServerToolUses...)
			l.router.AccountServerTools(resp.ServerToolUses)
		}
		result.Citations = append(result.Citations, resp.Citations...)

		if len(resp.ToolCalls) == 0 {
			result.FinalText = resp.Content + toolrouter.FormatSources(result.Citations)
			l.logger.Debug("llmloop turn complete", "run_id", runID, "iterations", iter+1)
			return result, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		toolMsgs := l.dispatch(ctx, resp.ToolCalls)
		messages = append(messages, toolMsgs...)

		if resp.FinishReason == "stop" || resp.FinishReason == "end_turn" {
			result.FinalText = resp.Content + toolrouter.FormatSources(result.Citations)
			l.logger.Debug("llmloop turn complete", "run_id", runID, "iterations", iter+1)
			return result, nil
		}
	}

	result.HitIterationCap = true
	result.FinalText = "(response truncated: tool-use iteration limit reached)"
	l.logger.Warn("llmloop iteration cap reached", "run_id", runID, "cap", l.iterationCap)
	return result, nil
}

// Decide issues a single no-tool turn asking the model for a binary
// respond/no-respond call on a conversation the bot was not addressed in.
// rate is the momentum-derived engagement probability for this channel
// right now — passed as a bias for the model to weigh, not the decision
// itself. Used by ReactiveEngine's scan path.
func (l *Loop) Decide(ctx context.Context, model, systemPrompt, transcript string, rate float64) (bool, error) {
	if err := l.throttle.Wait(ctx); err != nil {
		return false, fmt.Errorf("llmloop: throttle wait: %w", err)
	}
	system := fmt.Sprintf("%s\n\nThis channel's baseline engagement rate right now is %.0f%%: treat that as a bias, not a rule. Lean toward responding above it only when the conversation genuinely calls for your input, and stay quiet below it otherwise.\n\nAnswer with exactly one word: YES to respond, NO to stay quiet.", systemPrompt, rate*100)
	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: transcript},
		},
	})
	if err != nil {
		return false, fmt.Errorf("llmloop: decide call: %w", err)
	}
	return strings.Contains(strings.ToUpper(resp.Content), "YES"), nil
}

// dispatch runs every tool call from one turn. With more than one call it
// fans out across goroutines and reassembles results in original order so
// the follow-up turn is deterministic regardless of completion order —
// mirroring the teacher's parallel-tool-dispatch pattern.
func (l *Loop) dispatch(ctx context.Context, calls []providers.ToolCall) []providers.Message {
	if len(calls) == 1 {
		return []providers.Message{l.toMessage(calls[0], l.router.Execute(ctx, calls[0]))}
	}

	type indexed struct {
		idx int
		msg providers.Message
	}
	out := make(chan indexed, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call providers.ToolCall) {
			defer wg.Done()
			res := l.router.Execute(ctx, call)
			out <- indexed{idx: i, msg: l.toMessage(call, res)}
		}(i, call)
	}
	wg.Wait()
	close(out)

	collected := make([]indexed, 0, len(calls))
	for m := range out {
		collected = append(collected, m)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	msgs := make([]providers.Message, len(collected))
	for i, c := range collected {
		msgs[i] = c.msg
	}
	return msgs
}

func (l *Loop) toMessage(call providers.ToolCall, res *tools.Result) providers.Message {
	return providers.Message{
		Role:       "tool",
		Content:    res.ForLLM,
		ToolCallID: call.ID,
	}
}
