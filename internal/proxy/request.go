package proxy

import (
	"encoding/json"
	"log/slog"
)

// requestMeta holds what the proxy extracts from a request body before
// forwarding it unchanged: the model, the streaming flag, and the last
// user-authored text for the request-side event.
type requestMeta struct {
	Model  string
	Stream bool
	Text   string
}

// parseRequest reads the fields we need from a message-completion request
// body, best-effort. A body that is not valid JSON is logged and yields
// zero values — the proxy still forwards the raw bytes.
func parseRequest(body []byte) requestMeta {
	var meta requestMeta

	var raw struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		slog.Warn("request body is not valid JSON, forwarding unparsed",
			"error", err, "bytes", len(body))
		return meta
	}

	meta.Model = raw.Model
	meta.Stream = raw.Stream

	// The request-side event carries the last user-authored message.
	for i := len(raw.Messages) - 1; i >= 0; i-- {
		if raw.Messages[i].Role != "user" {
			continue
		}
		meta.Text = messageText(raw.Messages[i].Content)
		break
	}

	return meta
}

// messageText extracts the text of one message's content field, which is
// either a plain string or an array of typed blocks. Text blocks are
// concatenated in order; tool_result and other block types carry no
// user-authored text.
func messageText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		slog.Warn("unrecognized message content shape", "error", err)
		return ""
	}

	var text string
	for _, b := range blocks {
		if b.Type == "text" {
			text += b.Text
		}
	}
	return text
}
