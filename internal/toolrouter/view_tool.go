package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aldermoor/reedbot/internal/store"
	"github.com/aldermoor/reedbot/internal/tools"
)

// ViewMessagesTool wraps the full-text read operations of MessageStore
//: recent / around / first / range.
type ViewMessagesTool struct {
	messages *store.MessageStore
}

func NewViewMessagesTool(messages *store.MessageStore) *ViewMessagesTool {
	return &ViewMessagesTool{messages: messages}
}

func (t *ViewMessagesTool) Name() string { return "view_messages" }

func (t *ViewMessagesTool) Description() string {
	return "Read full message text by mode: recent (last N in a channel), around (context around a message id), first (earliest N in a channel), or range (between two message ids)."
}

func (t *ViewMessagesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"mode":       map[string]interface{}{"type": "string", "enum": []string{"recent", "around", "first", "range"}},
			"channel_id": map[string]interface{}{"type": "string"},
			"message_id": map[string]interface{}{"type": "string"},
			"from_id":    map[string]interface{}{"type": "string"},
			"to_id":      map[string]interface{}{"type": "string"},
			"limit":      map[string]interface{}{"type": "integer"},
		},
		"required": []string{"mode"},
	}
}

func (t *ViewMessagesTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	mode, _ := argString(args, "mode")
	limit := argInt(args, "limit", 20)

	var (
		msgs interface{}
		err  error
	)

	switch mode {
	case "recent":
		channelID, _ := argString(args, "channel_id")
		if channelID == "" {
			return tools.ErrorResult("view_messages: channel_id is required for mode=recent")
		}
		msgs, err = t.messages.GetRecent(ctx, channelID, limit)

	case "first":
		channelID, _ := argString(args, "channel_id")
		if channelID == "" {
			return tools.ErrorResult("view_messages: channel_id is required for mode=first")
		}
		msgs, err = t.messages.GetFirst(ctx, channelID, limit)

	case "around":
		messageID, _ := argString(args, "message_id")
		if messageID == "" {
			return tools.ErrorResult("view_messages: message_id is required for mode=around")
		}
		span := limit
		if span <= 0 {
			span = 5
		}
		msgs, err = t.messages.GetAround(ctx, messageID, span)

	case "range":
		fromID, _ := argString(args, "from_id")
		toID, _ := argString(args, "to_id")
		if fromID == "" || toID == "" {
			return tools.ErrorResult("view_messages: from_id and to_id are required for mode=range")
		}
		msgs, err = t.messages.GetRange(ctx, fromID, toID)

	default:
		return tools.ErrorResult(fmt.Sprintf("view_messages: unknown mode %q", mode))
	}

	if err == store.ErrNotFound {
		return tools.ErrorResult("view_messages: message not found")
	}
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("view_messages: %v", err))
	}

	body, mErr := json.Marshal(msgs)
	if mErr != nil {
		return tools.ErrorResult(fmt.Sprintf("view_messages: encode results: %v", mErr))
	}
	return tools.NewResult(string(body))
}
