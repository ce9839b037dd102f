package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/medulla-ai/medulla/pkg/models"
)

// Tool-request envelope markers for models without native function calling.
// Some backends close the block with the result marker instead; both are
// accepted.
const (
	toolRequestOpen   = "[TOOL_REQUEST]"
	toolRequestClose  = "[END_TOOL_REQUEST]"
	toolRequestClose2 = "[END_TOOL_RESULT]"
)

type embeddedToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ParseToolRequests extracts embedded tool-request blocks from assistant text
// and returns the text with the blocks removed plus the normalized calls.
// Malformed blocks are stripped from the text and reported through err; the
// well-formed calls before them still stand.
func ParseToolRequests(content string) (string, []models.ToolCall, error) {
	if !strings.Contains(content, toolRequestOpen) {
		return content, nil, nil
	}

	var (
		calls    []models.ToolCall
		b        strings.Builder
		parseErr error
		rest     = content
		seq      int
	)
	for {
		start := strings.Index(rest, toolRequestOpen)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		rest = rest[start+len(toolRequestOpen):]

		end, closeLen := findClose(rest)
		if end < 0 {
			parseErr = fmt.Errorf("unterminated tool request block")
			break
		}
		payload := strings.TrimSpace(rest[:end])
		rest = rest[end+closeLen:]

		var req embeddedToolRequest
		if err := json5.Unmarshal([]byte(payload), &req); err != nil {
			parseErr = fmt.Errorf("decode tool request: %w", err)
			continue
		}
		if req.Name == "" {
			parseErr = fmt.Errorf("tool request missing name")
			continue
		}

		args, err := json.Marshal(req.Arguments)
		if err != nil {
			parseErr = fmt.Errorf("encode tool request arguments: %w", err)
			continue
		}
		seq++
		calls = append(calls, models.ToolCall{
			ID:        fmt.Sprintf("embedded_%d", seq),
			Name:      req.Name,
			Arguments: args,
		})
	}

	return strings.TrimSpace(b.String()), calls, parseErr
}

func findClose(s string) (idx, markerLen int) {
	i1 := strings.Index(s, toolRequestClose)
	i2 := strings.Index(s, toolRequestClose2)
	switch {
	case i1 >= 0 && (i2 < 0 || i1 < i2):
		return i1, len(toolRequestClose)
	case i2 >= 0:
		return i2, len(toolRequestClose2)
	}
	return -1, 0
}
