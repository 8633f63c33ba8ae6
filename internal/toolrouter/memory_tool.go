package toolrouter

import (
	"context"
	"fmt"

	"github.com/aldermoor/reedbot/internal/memory"
	"github.com/aldermoor/reedbot/internal/tools"
)

// MemoryTool exposes the six memory.Store operations as a single LLM tool
// dispatched by command's input schema.
type MemoryTool struct {
	store *memory.Store
}

func NewMemoryTool(store *memory.Store) *MemoryTool {
	return &MemoryTool{store: store}
}

func (t *MemoryTool) Name() string { return "memory" }

func (t *MemoryTool) Description() string {
	return "Read and edit persistent memory files scoped to this bot. Commands: view, create, str_replace, insert, delete, rename."
}

func (t *MemoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command":     map[string]interface{}{"type": "string", "enum": []string{"view", "create", "str_replace", "insert", "delete", "rename"}},
			"path":        map[string]interface{}{"type": "string"},
			"file_text":   map[string]interface{}{"type": "string"},
			"view_range":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "integer"}},
			"old_str":     map[string]interface{}{"type": "string"},
			"new_str":     map[string]interface{}{"type": "string"},
			"insert_line": map[string]interface{}{"type": "integer"},
			"new_path":    map[string]interface{}{"type": "string"},
		},
		"required": []string{"command", "path"},
	}
}

func (t *MemoryTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	command, _ := argString(args, "command")
	path, ok := argString(args, "path")
	if !ok || path == "" {
		return tools.ErrorResult("memory: path is required")
	}

	switch command {
	case "view":
		var lr *[2]int
		if raw, ok := args["view_range"].([]interface{}); ok && len(raw) == 2 {
			start, sOK := toInt(raw[0])
			end, eOK := toInt(raw[1])
			if sOK && eOK {
				lr = &[2]int{start, end}
			}
		}
		text, err := t.store.View(path, lr)
		if err != nil {
			return memErrResult(err)
		}
		return tools.NewResult(text)

	case "create":
		fileText, _ := argString(args, "file_text")
		if err := t.store.Create(path, fileText); err != nil {
			return memErrResult(err)
		}
		return tools.NewResult(fmt.Sprintf("created %s", path))

	case "str_replace":
		oldStr, _ := argString(args, "old_str")
		newStr, _ := argString(args, "new_str")
		if err := t.store.StrReplace(path, oldStr, newStr); err != nil {
			return memErrResult(err)
		}
		return tools.NewResult(fmt.Sprintf("replaced text in %s", path))

	case "insert":
		line := argInt(args, "insert_line", 1)
		text, _ := argString(args, "file_text")
		if err := t.store.Insert(path, line, text); err != nil {
			return memErrResult(err)
		}
		return tools.NewResult(fmt.Sprintf("inserted line in %s", path))

	case "delete":
		if err := t.store.Delete(path); err != nil {
			return memErrResult(err)
		}
		return tools.NewResult(fmt.Sprintf("deleted %s", path))

	case "rename":
		newPath, _ := argString(args, "new_path")
		if newPath == "" {
			return tools.ErrorResult("memory: new_path is required for rename")
		}
		if err := t.store.Rename(path, newPath); err != nil {
			return memErrResult(err)
		}
		return tools.NewResult(fmt.Sprintf("renamed %s to %s", path, newPath))

	default:
		return tools.ErrorResult(fmt.Sprintf("memory: unknown command %q", command))
	}
}

func memErrResult(err error) *tools.Result {
	return tools.ErrorResult(err.Error())
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
