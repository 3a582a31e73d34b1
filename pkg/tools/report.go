package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// ReportTool returns the report tool every agent carries. The iteration loop
// intercepts calls to it before dispatch, so Run only acknowledges receipt
// when something executes it directly.
func ReportTool() *Tool {
	return &Tool{
		Definition: Definition{
			Name: ToolReport,
			Description: "Submit your final answer and end the task. Include a claim for every " +
				"file you wrote, edited or deleted and every command you ran, so your work can be verified.",
			InputSchema: reportSchema(),
		},
		Run: func(_ context.Context, args map[string]any) (*Result, error) {
			if _, _, err := ParseReport(args); err != nil {
				return Errorf(ErrCodeInvalidArgs, "%v", err), nil
			}
			return Text("report received"), nil
		},
	}
}

// ParseReport decodes the answer and claims from a report tool call.
func ParseReport(args map[string]any) (answer string, claims []models.Claim, err error) {
	answer, ok := stringArg(args, "answer")
	if !ok || answer == "" {
		return "", nil, fmt.Errorf("report requires a non-empty answer")
	}
	raw, ok := args["claims"]
	if !ok || raw == nil {
		return answer, nil, nil
	}
	// Round-trip through JSON so both []any (decoded args) and typed slices
	// (tests) land in the same struct shape.
	data, err := json.Marshal(raw)
	if err != nil {
		return "", nil, fmt.Errorf("encode claims: %w", err)
	}
	if err := json.Unmarshal(data, &claims); err != nil {
		return "", nil, fmt.Errorf("claims must be an array of claim objects: %w", err)
	}
	for i, c := range claims {
		if c.Kind == "" {
			return "", nil, fmt.Errorf("claim %d is missing kind", i)
		}
	}
	return answer, claims, nil
}

func reportSchema() []byte {
	return []byte(`{
  "type": "object",
  "properties": {
    "answer": {"type": "string", "description": "Final answer or summary of the completed work"},
    "claims": {
      "type": "array",
      "description": "Verifiable statements about side effects you performed",
      "items": {
        "type": "object",
        "properties": {
          "kind": {"type": "string", "enum": ["file-write", "file-edit", "file-delete", "command-executed", "code-inserted"]},
          "file_path": {"type": "string"},
          "content_hash": {"type": "string"},
          "anchor": {
            "type": "object",
            "properties": {
              "before_snippet": {"type": "string"},
              "after_snippet": {"type": "string"},
              "content_hash": {"type": "string"}
            }
          },
          "edited_region": {"type": "string"},
          "command": {"type": "string"},
          "exit_code": {"type": "integer"}
        },
        "required": ["kind"]
      }
    }
  },
  "required": ["answer"]
}`)
}
