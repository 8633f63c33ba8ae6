package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aldermoor/reedbot/internal/store"
	"github.com/aldermoor/reedbot/internal/tools"
)

// SearchMessagesTool wraps store.MessageStore.Search. It returns references
// only — never message text — so downstream LLM turns stay token-bounded
//.
type SearchMessagesTool struct {
	messages *store.MessageStore
}

func NewSearchMessagesTool(messages *store.MessageStore) *SearchMessagesTool {
	return &SearchMessagesTool{messages: messages}
}

func (t *SearchMessagesTool) Name() string { return "search_messages" }

func (t *SearchMessagesTool) Description() string {
	return "Search past messages by keyword. Returns references (channel, author, timestamp) but not message text; use view_messages to read the text."
}

func (t *SearchMessagesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query":      map[string]interface{}{"type": "string"},
			"channel_id": map[string]interface{}{"type": "string"},
			"author_id":  map[string]interface{}{"type": "string"},
			"since":      map[string]interface{}{"type": "integer"},
			"until":      map[string]interface{}{"type": "integer"},
			"limit":      map[string]interface{}{"type": "integer"},
		},
		"required": []string{"query"},
	}
}

func (t *SearchMessagesTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	query, ok := argString(args, "query")
	if !ok || query == "" {
		return tools.ErrorResult("search_messages: query is required")
	}
	channelID, _ := argString(args, "channel_id")
	authorID, _ := argString(args, "author_id")

	opts := store.SearchOptions{
		Query:     query,
		ChannelID: channelID,
		AuthorID:  authorID,
		Since:     int64(argInt(args, "since", 0)),
		Until:     int64(argInt(args, "until", 0)),
		Limit:     argInt(args, "limit", 20),
	}

	refs, err := t.messages.Search(ctx, opts)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("search_messages: %v", err))
	}
	body, err := json.Marshal(refs)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("search_messages: encode results: %v", err))
	}
	return tools.NewResult(string(body))
}
