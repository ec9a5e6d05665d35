package codec

import (
	"strings"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

// claudeMaxTokensFallback is applied when a source dialect did not set
// a token cap; the Messages API requires one.
const claudeMaxTokensFallback = 4096

type claudeNormalizer struct{}

func newClaudeNormalizer() *claudeNormalizer { return &claudeNormalizer{} }

func (claudeNormalizer) DataFormatID() string     { return "claude" }
func (claudeNormalizer) Format() apiformat.Format { return apiformat.Claude }

func (n *claudeNormalizer) RequestToInternal(body map[string]any) (*Request, error) {
	req := &Request{
		Model:         getString(body, "model"),
		MaxTokens:     getInt(body, "max_tokens"),
		StopSequences: getStringSlice(body, "stop_sequences"),
		Stream:        getBool(body, "stream"),
	}
	if t, ok := getFloat(body, "temperature"); ok {
		req.Temperature = &t
	}
	if p, ok := getFloat(body, "top_p"); ok {
		req.TopP = &p
	}
	if k, ok := getFloat(body, "top_k"); ok {
		ki := int(k)
		req.TopK = &ki
	}

	switch sys := body["system"].(type) {
	case string:
		if sys != "" {
			req.Instructions = append(req.Instructions, Instruction{Role: RoleSystem, Text: sys})
		}
	case []any:
		for _, item := range sys {
			if m, ok := item.(map[string]any); ok && getString(m, "type") == "text" {
				req.Instructions = append(req.Instructions, Instruction{Role: RoleSystem, Text: getString(m, "text")})
			}
		}
	}

	for _, raw := range getSlice(body, "messages") {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		msg := Message{Role: claudeRoleIn(getString(m, "role"))}
		switch content := m["content"].(type) {
		case string:
			msg.Blocks = append(msg.Blocks, TextBlock{Text: content})
		case []any:
			for _, rawBlock := range content {
				bm, ok := rawBlock.(map[string]any)
				if !ok {
					continue
				}
				msg.Blocks = append(msg.Blocks, claudeBlockIn(bm))
			}
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, raw := range getSlice(body, "tools") {
		tm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		req.Tools = append(req.Tools, ToolDefinition{
			Name:        getString(tm, "name"),
			Description: getString(tm, "description"),
			Parameters:  getMap(tm, "input_schema"),
		})
	}
	if tc := getMap(body, "tool_choice"); tc != nil {
		req.ToolChoice = claudeToolChoiceIn(tc)
	}

	req.Extra = copyUnknown(body, "model", "max_tokens", "temperature", "top_p", "top_k",
		"stop_sequences", "stream", "system", "messages", "tools", "tool_choice")
	return req, nil
}

func (n *claudeNormalizer) RequestFromInternal(r *Request) (map[string]any, error) {
	out := map[string]any{
		"model": r.Model,
	}
	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = claudeMaxTokensFallback
	}
	out["max_tokens"] = maxTokens
	if sys := r.SystemText(); sys != "" {
		out["system"] = sys
	}
	if r.Temperature != nil {
		out["temperature"] = *r.Temperature
	}
	if r.TopP != nil {
		out["top_p"] = *r.TopP
	}
	if r.TopK != nil {
		out["top_k"] = *r.TopK
	}
	if len(r.StopSequences) > 0 {
		out["stop_sequences"] = r.StopSequences
	}
	if r.Stream {
		out["stream"] = true
	}

	messages := make([]any, 0, len(r.Messages))
	for _, msg := range r.Messages {
		blocks := make([]any, 0, len(msg.Blocks))
		for _, b := range msg.Blocks {
			cb, err := claudeBlockOut(b)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, cb)
		}
		if len(blocks) == 0 {
			continue
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, map[string]any{"role": role, "content": blocks})
	}
	out["messages"] = messages

	if len(r.Tools) > 0 {
		tools := make([]any, 0, len(r.Tools))
		for _, t := range r.Tools {
			tm := map[string]any{"name": t.Name}
			if t.Description != "" {
				tm["description"] = t.Description
			}
			if t.Parameters != nil {
				tm["input_schema"] = t.Parameters
			} else {
				tm["input_schema"] = map[string]any{"type": "object"}
			}
			tools = append(tools, tm)
		}
		out["tools"] = tools
	}
	if r.ToolChoice != nil {
		out["tool_choice"] = claudeToolChoiceOut(r.ToolChoice)
	}
	return out, nil
}

func (n *claudeNormalizer) ResponseToInternal(body map[string]any) (*Response, error) {
	resp := &Response{
		ID:         getString(body, "id"),
		Model:      getString(body, "model"),
		StopReason: stopIn(claudeStopIn, getString(body, "stop_reason")),
	}
	for _, raw := range getSlice(body, "content") {
		bm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		resp.Content = append(resp.Content, claudeBlockIn(bm))
	}
	if u := getMap(body, "usage"); u != nil {
		resp.Usage = &Usage{
			InputTokens:      getInt(u, "input_tokens"),
			OutputTokens:     getInt(u, "output_tokens"),
			CacheReadTokens:  getInt(u, "cache_read_input_tokens"),
			CacheWriteTokens: getInt(u, "cache_creation_input_tokens"),
		}
		resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}
	resp.Extra = copyUnknown(body, "id", "model", "type", "role", "content", "stop_reason", "stop_sequence", "usage")
	return resp, nil
}

func (n *claudeNormalizer) ResponseFromInternal(r *Response) (map[string]any, error) {
	id := r.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	content := make([]any, 0, len(r.Content))
	for _, b := range r.Content {
		cb, err := claudeBlockOut(b)
		if err != nil {
			return nil, err
		}
		content = append(content, cb)
	}
	out := map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         r.Model,
		"content":       content,
		"stop_reason":   nil,
		"stop_sequence": nil,
	}
	if r.StopReason != StopNone {
		out["stop_reason"] = stopOut(claudeStopOut, r.StopReason, "end_turn")
	}
	usage := map[string]any{"input_tokens": 0, "output_tokens": 0}
	if r.Usage != nil {
		usage["input_tokens"] = r.Usage.InputTokens
		usage["output_tokens"] = r.Usage.OutputTokens
		if r.Usage.CacheReadTokens > 0 {
			usage["cache_read_input_tokens"] = r.Usage.CacheReadTokens
		}
		if r.Usage.CacheWriteTokens > 0 {
			usage["cache_creation_input_tokens"] = r.Usage.CacheWriteTokens
		}
	}
	out["usage"] = usage
	return out, nil
}

type claudeStreamSub struct {
	stopReason StopReason
	usage      Usage
	started    bool
}

func (n *claudeNormalizer) StreamToInternal(payload map[string]any, eventName string, st *StreamState) ([]StreamEvent, error) {
	sub := substate[claudeStreamSub](st, "claude")
	typ := getString(payload, "type")
	if typ == "" {
		typ = eventName
	}
	switch typ {
	case "message_start":
		msg := getMap(payload, "message")
		ev := MessageStart{MessageID: getString(msg, "id"), Model: getString(msg, "model")}
		if st.MessageID == "" {
			st.MessageID = ev.MessageID
		}
		if st.Model == "" {
			st.Model = ev.Model
		}
		if u := getMap(msg, "usage"); u != nil {
			ev.Usage = &Usage{
				InputTokens:      getInt(u, "input_tokens"),
				OutputTokens:     getInt(u, "output_tokens"),
				CacheReadTokens:  getInt(u, "cache_read_input_tokens"),
				CacheWriteTokens: getInt(u, "cache_creation_input_tokens"),
			}
			sub.usage.Merge(*ev.Usage)
		}
		sub.started = true
		return []StreamEvent{ev}, nil

	case "content_block_start":
		idx := getInt(payload, "index")
		cb := getMap(payload, "content_block")
		ev := ContentBlockStart{Index: idx, BlockType: BlockText}
		if getString(cb, "type") == "tool_use" {
			ev.BlockType = BlockToolUse
			ev.ToolID = getString(cb, "id")
			ev.ToolName = getString(cb, "name")
		}
		return []StreamEvent{ev}, nil

	case "content_block_delta":
		idx := getInt(payload, "index")
		delta := getMap(payload, "delta")
		switch getString(delta, "type") {
		case "input_json_delta":
			return []StreamEvent{ToolCallDelta{Index: idx, InputDelta: getString(delta, "partial_json")}}, nil
		default:
			return []StreamEvent{ContentDelta{Index: idx, Text: getString(delta, "text")}}, nil
		}

	case "content_block_stop":
		return []StreamEvent{ContentBlockStop{Index: getInt(payload, "index")}}, nil

	case "message_delta":
		var events []StreamEvent
		if delta := getMap(payload, "delta"); delta != nil {
			if sr := getString(delta, "stop_reason"); sr != "" {
				sub.stopReason = stopIn(claudeStopIn, sr)
			}
		}
		if u := getMap(payload, "usage"); u != nil {
			sub.usage.Merge(Usage{
				InputTokens:      getInt(u, "input_tokens"),
				OutputTokens:     getInt(u, "output_tokens"),
				CacheReadTokens:  getInt(u, "cache_read_input_tokens"),
				CacheWriteTokens: getInt(u, "cache_creation_input_tokens"),
			})
			events = append(events, UsageEvent{Usage: sub.usage})
		}
		return events, nil

	case "message_stop":
		u := sub.usage
		u.TotalTokens = u.InputTokens + u.OutputTokens
		reason := sub.stopReason
		if reason == StopNone {
			reason = StopEndTurn
		}
		return []StreamEvent{MessageStop{StopReason: reason, Usage: &u}}, nil

	case "ping":
		return nil, nil

	case "error":
		return []StreamEvent{ErrorEvent{Err: n.ErrorToInternal(payload)}}, nil
	}
	return []StreamEvent{UnknownEvent{RawType: typ, Payload: payload}}, nil
}

func (n *claudeNormalizer) StreamFromInternal(ev StreamEvent, st *StreamState) ([]StreamPayload, error) {
	sub := substate[claudeStreamSub](st, "claude_out")
	switch e := ev.(type) {
	case MessageStart:
		id := e.MessageID
		if id == "" {
			id = "msg_" + uuid.NewString()
		}
		usage := map[string]any{"input_tokens": 0, "output_tokens": 0}
		if e.Usage != nil {
			usage["input_tokens"] = e.Usage.InputTokens
			usage["output_tokens"] = e.Usage.OutputTokens
			sub.usage.Merge(*e.Usage)
		}
		sub.started = true
		return []StreamPayload{{Event: "message_start", Data: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            id,
				"type":          "message",
				"role":          "assistant",
				"model":         e.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         usage,
			},
		}}}, nil

	case ContentBlockStart:
		var cb map[string]any
		switch e.BlockType {
		case BlockToolUse:
			cb = map[string]any{"type": "tool_use", "id": e.ToolID, "name": e.ToolName, "input": map[string]any{}}
		default:
			cb = map[string]any{"type": "text", "text": ""}
		}
		return []StreamPayload{{Event: "content_block_start", Data: map[string]any{
			"type": "content_block_start", "index": e.Index, "content_block": cb,
		}}}, nil

	case ContentDelta:
		return []StreamPayload{{Event: "content_block_delta", Data: map[string]any{
			"type": "content_block_delta", "index": e.Index,
			"delta": map[string]any{"type": "text_delta", "text": e.Text},
		}}}, nil

	case ToolCallDelta:
		return []StreamPayload{{Event: "content_block_delta", Data: map[string]any{
			"type": "content_block_delta", "index": e.Index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": e.InputDelta},
		}}}, nil

	case ContentBlockStop:
		return []StreamPayload{{Event: "content_block_stop", Data: map[string]any{
			"type": "content_block_stop", "index": e.Index,
		}}}, nil

	case UsageEvent:
		sub.usage.Merge(e.Usage)
		return nil, nil

	case MessageStop:
		if e.Usage != nil {
			sub.usage.Merge(*e.Usage)
		}
		reason := e.StopReason
		if reason == StopNone {
			reason = StopEndTurn
		}
		return []StreamPayload{
			{Event: "message_delta", Data: map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": stopOut(claudeStopOut, reason, "end_turn"), "stop_sequence": nil},
				"usage": map[string]any{"output_tokens": sub.usage.OutputTokens},
			}},
			{Event: "message_stop", Data: map[string]any{"type": "message_stop"}},
		}, nil

	case ErrorEvent:
		return []StreamPayload{{Event: "error", Data: n.ErrorFromInternal(e.Err)}}, nil
	}
	return nil, nil
}

func (n *claudeNormalizer) ErrorToInternal(body map[string]any) *UpstreamError {
	em := getMap(body, "error")
	if em == nil {
		if getString(body, "type") != "error" {
			return nil
		}
	}
	if em == nil {
		return nil
	}
	rawType := getString(em, "type")
	typ, ok := claudeErrorIn[rawType]
	if !ok {
		typ = ErrUnknown
	}
	return &UpstreamError{Type: typ, Message: getString(em, "message"), Code: rawType}
}

func (n *claudeNormalizer) ErrorFromInternal(err *UpstreamError) map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    claudeErrorOut[err.Type],
			"message": err.Message,
		},
	}
}

func claudeRoleIn(role string) Role {
	switch role {
	case "user":
		return RoleUser
	case "assistant":
		return RoleAssistant
	}
	return RoleUnknown
}

func claudeBlockIn(bm map[string]any) Block {
	switch getString(bm, "type") {
	case "text":
		return TextBlock{Text: getString(bm, "text")}
	case "image":
		src := getMap(bm, "source")
		switch getString(src, "type") {
		case "base64":
			return ImageBlock{Data: getString(src, "data"), MediaType: getString(src, "media_type")}
		case "url":
			return ImageBlock{URL: getString(src, "url")}
		}
		return UnknownBlock{RawType: "image", Payload: bm}
	case "tool_use":
		return ToolUseBlock{
			ID:    getString(bm, "id"),
			Name:  getString(bm, "name"),
			Input: getMap(bm, "input"),
		}
	case "tool_result":
		tr := ToolResultBlock{
			ToolUseID: getString(bm, "tool_use_id"),
			IsError:   getBool(bm, "is_error"),
		}
		switch content := bm["content"].(type) {
		case string:
			tr.ContentText = content
		case []any:
			var parts []string
			for _, item := range content {
				if im, ok := item.(map[string]any); ok && getString(im, "type") == "text" {
					parts = append(parts, getString(im, "text"))
				}
			}
			tr.ContentText = strings.Join(parts, "\n")
		default:
			tr.Output = bm["content"]
		}
		return tr
	}
	return UnknownBlock{RawType: getString(bm, "type"), Payload: bm}
}

func claudeBlockOut(b Block) (map[string]any, error) {
	switch v := b.(type) {
	case TextBlock:
		return map[string]any{"type": "text", "text": v.Text}, nil
	case ImageBlock:
		if v.URL != "" {
			return map[string]any{"type": "image", "source": map[string]any{"type": "url", "url": v.URL}}, nil
		}
		return map[string]any{"type": "image", "source": map[string]any{
			"type": "base64", "media_type": v.MediaType, "data": v.Data,
		}}, nil
	case ToolUseBlock:
		input := v.Input
		if input == nil {
			input = map[string]any{}
		}
		return map[string]any{"type": "tool_use", "id": v.ID, "name": v.Name, "input": input}, nil
	case ToolResultBlock:
		out := map[string]any{"type": "tool_result", "tool_use_id": v.ToolUseID}
		if v.ContentText != "" {
			out["content"] = v.ContentText
		} else if v.Output != nil {
			out["content"] = encodeJSONString(v.Output)
		} else {
			out["content"] = ""
		}
		if v.IsError {
			out["is_error"] = true
		}
		return out, nil
	}
	return nil, convErr(apiformat.FormatUnknown, apiformat.Claude, "unsupported block type %s", b.Kind())
}

func claudeToolChoiceIn(tc map[string]any) *ToolChoice {
	switch getString(tc, "type") {
	case "auto":
		return &ToolChoice{Type: ToolChoiceAuto}
	case "any":
		return &ToolChoice{Type: ToolChoiceRequired}
	case "none":
		return &ToolChoice{Type: ToolChoiceNone}
	case "tool":
		return &ToolChoice{Type: ToolChoiceTool, ToolName: getString(tc, "name")}
	}
	return nil
}

func claudeToolChoiceOut(tc *ToolChoice) map[string]any {
	switch tc.Type {
	case ToolChoiceRequired:
		return map[string]any{"type": "any"}
	case ToolChoiceNone:
		return map[string]any{"type": "none"}
	case ToolChoiceTool:
		return map[string]any{"type": "tool", "name": tc.ToolName}
	}
	return map[string]any{"type": "auto"}
}
