package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codeready-toolchain/casey/pkg/tools"
)

var recallSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "Words or a phrase to search the session memory for"},
		"limit": {"type": "integer", "description": "Maximum matches to return"}
	},
	"required": ["query"]
}`)

// RecallTool returns the archive_recall tool over the store. The session is
// taken from the run scope on the context; maxResults caps the response
// (5 when <= 0).
func RecallTool(store *Store, maxResults int) *tools.Tool {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &tools.Tool{
		Definition: tools.Definition{
			Name:        tools.ToolArchiveRecall,
			Description: "Search this session's memory of earlier answers and facts.",
			InputSchema: recallSchema,
			Group:       "read",
		},
		Run: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			scope, ok := tools.RunScopeFrom(ctx)
			if !ok || scope.SessionID == "" {
				return tools.Errorf(tools.ErrCodeExecFailed, "no session in scope"), nil
			}
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return tools.Errorf(tools.ErrCodeInvalidArgs, "query is required"), nil
			}

			limit := maxResults
			if v, ok := args["limit"].(float64); ok && int(v) > 0 && int(v) < maxResults {
				limit = int(v)
			}

			matches, err := store.Recall(scope.SessionID, query, limit)
			if err != nil {
				return tools.Errorf(tools.ErrCodeExecFailed, "archive recall: %v", err), nil
			}
			if len(matches) == 0 {
				return tools.Text("no archived memories match the query"), nil
			}

			var b strings.Builder
			for i, m := range matches {
				fmt.Fprintf(&b, "[%d] (%s, %s)\n%s\n", i+1, m.Kind,
					m.CreatedAt.Format("2006-01-02 15:04"), m.Content)
			}
			return &tools.Result{
				Success:  true,
				Output:   b.String(),
				Metadata: map[string]any{"matches": len(matches)},
			}, nil
		},
	}
}
