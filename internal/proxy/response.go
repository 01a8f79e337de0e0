package proxy

import (
	"encoding/json"
	"log/slog"

	"github.com/cnrmurphy/sentinel/internal/event"
)

// parseResponseBody reconstructs an assistant_response from a complete
// (non-streaming) message body:
//
//	{
//	  "id": "msg_...", "model": "...",
//	  "content": [
//	    { "type": "thinking", "thinking": "..." },
//	    { "type": "text", "text": "..." },
//	    { "type": "tool_use", "id": "toolu_...", "name": "exec", "input": {...} }
//	  ],
//	  "stop_reason": "tool_use",
//	  "usage": { "input_tokens": 5, ... }
//	}
//
// A body that fails to decode is logged and yields a minimal record —
// the event is still emitted with whatever was extractable.
func parseResponseBody(body []byte) *event.AssistantResponse {
	resp := event.NewAssistantResponse()

	var raw struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type     string         `json:"type"`
			Text     string         `json:"text"`
			Thinking string         `json:"thinking"`
			ID       string         `json:"id"`
			Name     string         `json:"name"`
			Input    map[string]any `json:"input"`
		} `json:"content"`
		StopReason string      `json:"stop_reason"`
		Usage      usageFields `json:"usage"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		slog.Warn("undecodable response body", "error", err, "bytes", len(body))
		return resp
	}

	resp.MessageID = raw.ID
	resp.Model = raw.Model
	resp.StopReason = raw.StopReason
	mergeUsage(&resp.Usage, raw.Usage)

	for _, block := range raw.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "thinking":
			resp.Thinking += block.Thinking
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			resp.ToolCalls = append(resp.ToolCalls, event.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}

	return resp
}
