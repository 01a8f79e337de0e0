package proxy

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/kaptinlin/jsonrepair"

	"github.com/cnrmurphy/sentinel/internal/event"
)

// collector folds the upstream's frame sequence into a single
// assistant_response record. One collector per response.
//
// Frame flow for a streaming message:
//
//	message_start → content_block_start → content_block_delta* →
//	content_block_stop → ... → message_delta → message_stop
//
// Content blocks are tracked by index; text, thinking, and tool input
// deltas accumulate on their block. While folding, the collector reports
// phase changes (thinking, writing, tool_use) through onActivity — each
// phase at most once per response.
type collector struct {
	resp       *event.AssistantResponse
	onActivity func(phase string)

	blocks         map[int]*contentBlock
	reportedPhases map[string]bool
	sawMessageStop bool
}

// contentBlock is one block under reconstruction.
type contentBlock struct {
	typ       string // "text", "thinking", or "tool_use"
	id        string // tool_use only
	name      string // tool_use only
	text      string
	thinking  string
	inputJSON string         // accumulated input_json_delta fragments
	input     map[string]any // parsed once at content_block_stop
	parsed    bool
}

// newCollector creates a fold for one streaming response. onActivity may
// be nil.
func newCollector(onActivity func(phase string)) *collector {
	resp := event.NewAssistantResponse()
	resp.Streaming = true
	return &collector{
		resp:           resp,
		onActivity:     onActivity,
		blocks:         make(map[int]*contentBlock),
		reportedPhases: make(map[string]bool),
	}
}

// consume runs the frame loop to end of stream, feeding each frame into
// the fold.
func (c *collector) consume(fr *frameReader) {
	for {
		f, err := fr.Next()
		if err != nil {
			return
		}
		c.feed(f)
	}
}

// feed folds one frame into the accumulator. Frames with unknown event
// names or undecodable payloads are logged and skipped — reconstruction
// continues with whatever was extractable.
func (c *collector) feed(f Frame) {
	switch f.Event {
	case "ping", "":
		// Keep-alive, or a data-only frame we have no use for.

	case "message_start":
		var start struct {
			Message struct {
				ID    string      `json:"id"`
				Model string      `json:"model"`
				Usage usageFields `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(f.Data), &start); err != nil {
			slog.Warn("undecodable message_start frame", "error", err, "data", truncateForLog(f.Data))
			return
		}
		c.resp.MessageID = start.Message.ID
		c.resp.Model = start.Message.Model
		mergeUsage(&c.resp.Usage, start.Message.Usage)

	case "content_block_start":
		var start struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type     string `json:"type"`
				ID       string `json:"id"`
				Name     string `json:"name"`
				Text     string `json:"text"`
				Thinking string `json:"thinking"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal([]byte(f.Data), &start); err != nil {
			slog.Warn("undecodable content_block_start frame", "error", err, "data", truncateForLog(f.Data))
			return
		}
		c.blocks[start.Index] = &contentBlock{
			typ:      start.ContentBlock.Type,
			id:       start.ContentBlock.ID,
			name:     start.ContentBlock.Name,
			text:     start.ContentBlock.Text,
			thinking: start.ContentBlock.Thinking,
		}
		switch start.ContentBlock.Type {
		case "thinking":
			c.reportPhase(event.PhaseThinking)
		case "tool_use":
			c.reportPhase(event.PhaseToolUse)
		}

	case "content_block_delta":
		var delta struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				Thinking    string `json:"thinking"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(f.Data), &delta); err != nil {
			slog.Warn("undecodable content_block_delta frame", "error", err, "data", truncateForLog(f.Data))
			return
		}
		block, ok := c.blocks[delta.Index]
		if !ok {
			slog.Warn("delta for unopened content block", "index", delta.Index)
			return
		}
		switch delta.Delta.Type {
		case "text_delta":
			block.text += delta.Delta.Text
			if delta.Delta.Text != "" {
				c.reportPhase(event.PhaseWriting)
			}
		case "thinking_delta":
			block.thinking += delta.Delta.Thinking
		case "input_json_delta":
			block.inputJSON += delta.Delta.PartialJSON
		case "signature_delta":
			// Thinking block signatures carry no reconstructable content.
		default:
			slog.Warn("unknown delta type", "type", delta.Delta.Type, "index", delta.Index)
		}

	case "content_block_stop":
		var stop struct {
			Index int `json:"index"`
		}
		if err := json.Unmarshal([]byte(f.Data), &stop); err != nil {
			slog.Warn("undecodable content_block_stop frame", "error", err, "data", truncateForLog(f.Data))
			return
		}
		if block, ok := c.blocks[stop.Index]; ok && block.typ == "tool_use" {
			block.finalizeInput()
		}

	case "message_delta":
		var md struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage usageFields `json:"usage"`
		}
		if err := json.Unmarshal([]byte(f.Data), &md); err != nil {
			slog.Warn("undecodable message_delta frame", "error", err, "data", truncateForLog(f.Data))
			return
		}
		if md.Delta.StopReason != "" {
			c.resp.StopReason = md.Delta.StopReason
		}
		mergeUsage(&c.resp.Usage, md.Usage)

	case "message_stop":
		c.sawMessageStop = true

	case "error":
		slog.Warn("upstream error frame", "data", truncateForLog(f.Data))

	default:
		slog.Warn("unknown stream event name", "event", f.Event)
	}
}

// finish assembles the final assistant_response. Emitted exactly once per
// response; callers invoke it after message_stop or observed end of
// stream. A stream that truncated before message_stop yields the partial
// accumulator marked stop_reason "incomplete".
func (c *collector) finish() *event.AssistantResponse {
	indexes := make([]int, 0, len(c.blocks))
	for idx := range c.blocks {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		block := c.blocks[idx]
		switch block.typ {
		case "text":
			c.resp.Text += block.text
		case "thinking":
			c.resp.Thinking += block.thinking
		case "tool_use":
			// A truncated stream may have left the block unstopped.
			block.finalizeInput()
			c.resp.ToolCalls = append(c.resp.ToolCalls, event.ToolCall{
				ID:    block.id,
				Name:  block.name,
				Input: block.input,
			})
		}
	}

	if !c.sawMessageStop {
		slog.Warn("stream ended without message_stop, marking response incomplete",
			"message_id", c.resp.MessageID)
		c.resp.StopReason = "incomplete"
	}

	return c.resp
}

// reportPhase emits a phase change through onActivity, at most once per
// phase per response.
func (c *collector) reportPhase(phase string) {
	if c.onActivity == nil || c.reportedPhases[phase] {
		return
	}
	c.reportedPhases[phase] = true
	c.onActivity(phase)
}

// finalizeInput parses the accumulated input fragments exactly once. A
// malformed accumulation goes through jsonrepair (streams sometimes cut a
// fragment short); if that also fails, the input becomes an empty object
// and the failure is logged — never silently dropped.
func (b *contentBlock) finalizeInput() {
	if b.parsed {
		return
	}
	b.parsed = true
	b.input = map[string]any{}

	if b.inputJSON == "" {
		return
	}

	if err := json.Unmarshal([]byte(b.inputJSON), &b.input); err == nil {
		return
	}

	repaired, repairErr := jsonrepair.JSONRepair(b.inputJSON)
	if repairErr == nil {
		if err := json.Unmarshal([]byte(repaired), &b.input); err == nil {
			slog.Warn("tool input JSON repaired", "tool", b.name, "id", b.id)
			return
		}
	}

	b.input = map[string]any{}
	slog.Warn("tool input JSON unparsable, using empty object",
		"tool", b.name, "id", b.id, "input", truncateForLog(b.inputJSON))
}

// usageFields mirrors the upstream usage object. Pointers distinguish
// "absent" from zero so later frames only overwrite what they carry.
type usageFields struct {
	InputTokens              *int64 `json:"input_tokens"`
	OutputTokens             *int64 `json:"output_tokens"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
}

// mergeUsage folds newly arrived usage fields into the accumulator.
func mergeUsage(dst *event.Usage, src usageFields) {
	if src.InputTokens != nil {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens != nil {
		dst.OutputTokens = src.OutputTokens
	}
	if src.CacheReadInputTokens != nil {
		dst.CacheReadInputTokens = src.CacheReadInputTokens
	}
	if src.CacheCreationInputTokens != nil {
		dst.CacheCreationInputTokens = src.CacheCreationInputTokens
	}
}
