package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

const defaultClaudeModel = "claude-sonnet-4-5-20250929"

// AnthropicProvider implements Provider over the Anthropic Claude API via
// the official SDK, grounded on the pack's Qefaraki-picoclaw
// pkg/providers/claude_provider.go client construction and response
// parsing, extended here with prompt-cacheable system blocks, server-side
// web_search/web_fetch tools with citation and server_tool_use extraction,
// and extended thinking.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string

	// WebSearchEnabled/MaxUses wire the configured web-search settings into
	// the request; the router accounts usage after the fact (toolrouter.Router.AccountServerTools).
	WebSearchEnabled bool
	WebSearchMaxUses int
	AllowedDomains   []string
	BlockedDomains   []string
}

// NewAnthropicProvider creates a provider backed by apiKey.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	cfg := anthropicConfig{apiKey: apiKey, model: defaultClaudeModel}
	for _, o := range opts {
		o(&cfg)
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(cfg.apiKey)}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &AnthropicProvider{
		client:           anthropic.NewClient(clientOpts...),
		defaultModel:     cfg.model,
		WebSearchEnabled: cfg.webSearchEnabled,
		WebSearchMaxUses: cfg.webSearchMaxUses,
		AllowedDomains:   cfg.allowedDomains,
		BlockedDomains:   cfg.blockedDomains,
	}
}

type anthropicConfig struct {
	apiKey  string
	model   string
	baseURL string

	webSearchEnabled bool
	webSearchMaxUses int
	allowedDomains   []string
	blockedDomains   []string
}

// AnthropicOption configures an AnthropicProvider at construction time.
type AnthropicOption func(*anthropicConfig)

// WithAnthropicModel overrides the default model.
func WithAnthropicModel(model string) AnthropicOption {
	return func(c *anthropicConfig) {
		if model != "" {
			c.model = model
		}
	}
}

// WithAnthropicBaseURL points the client at an alternate endpoint (proxy, gateway).
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(c *anthropicConfig) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithAnthropicWebSearch enables the server-side web_search tool at
// construction time.
func WithAnthropicWebSearch(enabled bool, maxUses int, allowed, blocked []string) AnthropicOption {
	return func(c *anthropicConfig) {
		c.webSearchEnabled = enabled
		c.webSearchMaxUses = maxUses
		c.allowedDomains = allowed
		c.blockedDomains = blocked
	}
}

func (p *AnthropicProvider) Name() string          { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string   { return p.defaultModel }
func (p *AnthropicProvider) SupportsThinking() bool { return true }

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return p.parseMessage(msg), nil
}

// ChatStream drives a single non-streaming call and replays it through
// onChunk. The core (llmloop, reactive, agentic) never calls ChatStream —
// tool-use loop consumes whole turns — so a true token-by-token
// SDK stream buys nothing here and would double the surface to maintain.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		if resp.Thinking != "" {
			onChunk(StreamChunk{Thinking: resp.Thinking})
		}
		if resp.Content != "" {
			onChunk(StreamChunk{Content: resp.Content})
		}
		onChunk(StreamChunk{Done: true})
	}
	return resp, nil
}

func (p *AnthropicProvider) buildParams(req ChatRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	cacheControl := anthropic.CacheControlEphemeralParam{TTL: anthropic.CacheControlEphemeralTTLTTL5m}

	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam

	for i, msg := range req.Messages {
		switch msg.Role {
		case "system":
			block := anthropic.TextBlockParam{Text: msg.Content}
			// The system prompt is identity + personality + current time
			// (contextbuilder.Builder.buildSystemPrompt) — stable across a
			// session's turns, so it is the one block worth caching.
			if i == 0 {
				block.CacheControl = cacheControl
			}
			system = append(system, block)

		case "user":
			if len(msg.Images) > 0 {
				blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Images)+1)
				for _, img := range msg.Images {
					blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, img.Data))
				}
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				messages = append(messages, anthropic.NewUserMessage(blocks...))
			} else {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				if tc.Arguments == nil {
					tc.Arguments = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))

		case "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		}
	}

	maxTokens := int64(4096)
	if v, ok := req.Options[OptMaxTokens].(int); ok && v > 0 {
		maxTokens = int64(v)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}

	_, thinkingRequested := req.Options[OptThinkingLevel].(string)
	thinkingLevel, _ := req.Options[OptThinkingLevel].(string)
	thinkingRequested = thinkingRequested && thinkingLevel != "" && thinkingLevel != "off"

	// Anthropic rejects a non-default temperature alongside extended
	// thinking, so the two are mutually exclusive on the wire.
	if !thinkingRequested {
		if temp, ok := req.Options[OptTemperature].(float64); ok {
			params.Temperature = anthropic.Float(temp)
		}
	} else {
		budget := int64(anthropicThinkingBudget(thinkingLevel))
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		if maxTokens < budget+4096 {
			params.MaxTokens = budget + 8192
		}
	}

	var tools []anthropic.ToolUnionParam
	for i, t := range req.Tools {
		cleaned := CleanSchemaForProvider("anthropic", t.Function.Parameters)
		props, _ := cleaned["properties"].(map[string]interface{})
		var required []string
		if req2, ok := cleaned["required"].([]interface{}); ok {
			for _, r := range req2 {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
		schema := anthropic.ToolInputSchemaParam{
			Type:       constant.ValueOf[constant.Object](),
			Properties: props,
			Required:   required,
		}
		tool := anthropic.ToolParam{
			Name:        t.Function.Name,
			InputSchema: schema,
		}
		if i == 0 {
			tool.CacheControl = cacheControl
		}
		if t.Function.Description != "" {
			tool.Description = anthropic.String(t.Function.Description)
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	if p.WebSearchEnabled {
		webSearch := anthropic.WebSearchTool20250305Param{
			Name:           "web_search",
			AllowedDomains: p.AllowedDomains,
			BlockedDomains: p.BlockedDomains,
		}
		if p.WebSearchMaxUses > 0 {
			webSearch.MaxUses = anthropic.Int(int64(p.WebSearchMaxUses))
		}
		tools = append(tools, anthropic.ToolUnionParam{OfWebSearchTool20250305: &webSearch})
	}

	if len(tools) > 0 {
		params.Tools = tools
	}

	return params, nil
}

// anthropicThinkingBudget maps api.extended_thinking qualitative
// level to a concrete token budget.
func anthropicThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "medium":
		return 10000
	case "high":
		return 32000
	default:
		return 10000
	}
}

// parseMessage converts an SDK response into the provider-agnostic shape,
// extracting tool calls, extended-thinking text, server_tool_use
// accounting entries, and citations.
func (p *AnthropicProvider) parseMessage(msg *anthropic.Message) *ChatResponse {
	result := &ChatResponse{}

	callIdx := 0
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			result.Content += v.Text
			for _, c := range v.Citations {
				if web, ok := c.AsAny().(anthropic.CitationWebSearchResultLocation); ok && web.URL != "" {
					result.Citations = append(result.Citations, Citation{Title: web.Title, URL: web.URL})
				}
			}
		case anthropic.ThinkingBlock:
			result.Thinking += v.Thinking
		case anthropic.ToolUseBlock:
			callIdx++
			id := strings.TrimSpace(v.ID)
			if id == "" {
				id = fmt.Sprintf("call-%d", callIdx)
			}
			var args map[string]interface{}
			if err := json.Unmarshal(v.Input, &args); err != nil {
				args = map[string]interface{}{}
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        id,
				Name:      strings.TrimSpace(v.Name),
				Arguments: args,
			})
		case anthropic.ServerToolUseBlock:
			result.ServerToolUses = append(result.ServerToolUses, ServerToolUse{ToolName: string(v.Name)})
		}
	}

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		result.FinishReason = "tool_calls"
	case anthropic.StopReasonMaxTokens:
		result.FinishReason = "length"
	default:
		result.FinishReason = "stop"
	}

	result.Usage = &Usage{
		PromptTokens:        int(msg.Usage.InputTokens),
		CompletionTokens:    int(msg.Usage.OutputTokens),
		TotalTokens:         int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
	}

	return result
}
