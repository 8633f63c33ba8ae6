// Package toolrouter implements the tool-calling surface described in
// client-side tools (memory, search_messages, view_messages,
// image.process) plus server-side tool accounting (web_search, web_fetch).
// The Tool interface and Result-based error reporting are adapted from the
// teacher's internal/tools package (result.go's NewResult/ErrorResult
// constructors), reimplemented self-contained here since the teacher's
// Registry/sandbox infrastructure those tools relied on was not part of
// this system (see DESIGN.md).
package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aldermoor/reedbot/internal/providers"
	"github.com/aldermoor/reedbot/internal/tools"
)

// Tool is one entry in the router's surface.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *tools.Result
}

// DefaultIterationCap bounds the tool-use loop.
const DefaultIterationCap = 10

// Router dispatches client-side tool calls and accounts server-side ones.
type Router struct {
	clientTools map[string]Tool
	quota       *WebQuotaStore
	logger      *slog.Logger
}

// New creates a Router with the given client-side tools registered by name.
func New(quota *WebQuotaStore, logger *slog.Logger, toolList ...Tool) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	reg := make(map[string]Tool, len(toolList))
	for _, t := range toolList {
		reg[t.Name()] = t
	}
	return &Router{clientTools: reg, quota: quota, logger: logger}
}

// Definitions returns the LLM-facing tool schemas for all client-side tools.
func (r *Router) Definitions() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.clientTools))
	for _, t := range r.clientTools {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs a single client-side tool call, never panicking or
// propagating a raw exception — failures come back as a descriptive
// Result so the LLM can recover.
func (r *Router) Execute(ctx context.Context, call providers.ToolCall) *tools.Result {
	t, ok := r.clientTools[call.Name]
	if !ok {
		return tools.ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
	}
	result := func() (res *tools.Result) {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("tool panicked", "tool", call.Name, "recover", rec)
				res = tools.ErrorResult(fmt.Sprintf("tool %s failed unexpectedly", call.Name))
			}
		}()
		return t.Execute(ctx, call.Arguments)
	}()
	return result
}

// ServerToolUse and Citation alias the providers package's response shapes
// so llmloop can pass a ChatResponse's accounting data straight through to
// AccountServerTools/FormatSources without copying.
type ServerToolUse = providers.ServerToolUse
type Citation = providers.Citation

// AccountServerTools decrements the daily web quota once per server_tool_use
// block seen in a response. It never blocks the response —
// quota is informational accounting, not an enforcement gate on the
// provider-executed call itself.
func (r *Router) AccountServerTools(uses []ServerToolUse) {
	if r.quota == nil {
		return
	}
	for _, u := range uses {
		if u.ToolName == "web_search" || u.ToolName == "web_fetch" {
			r.quota.Decrement()
		}
	}
}

// FormatSources renders citations as the trailing "**Sources:**" block
// appended to an outgoing message when the provider returned any.
func FormatSources(citations []Citation) string {
	if len(citations) == 0 {
		return ""
	}
	out := "\n\n**Sources:**\n"
	for _, c := range citations {
		title := c.Title
		if title == "" {
			title = c.URL
		}
		out += fmt.Sprintf("- [%s](%s)\n", title, c.URL)
	}
	return out
}

// argString reads a required string argument, used by the tools below.
func argString(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func argInt(args map[string]interface{}, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return def
		}
		return int(i)
	default:
		return def
	}
}
