package codec

import (
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

// openaiResponsesNormalizer speaks the Responses API. It shares the
// error envelope and usage field names with Chat Completions but frames
// bodies and streams completely differently, which is why OPENAI and
// OPENAI_CLI are not passthrough-compatible.
type openaiResponsesNormalizer struct{}

func newOpenAIResponsesNormalizer() *openaiResponsesNormalizer { return &openaiResponsesNormalizer{} }

func (openaiResponsesNormalizer) DataFormatID() string     { return "openai_responses" }
func (openaiResponsesNormalizer) Format() apiformat.Format { return apiformat.OpenAICLI }

func (n *openaiResponsesNormalizer) RequestToInternal(body map[string]any) (*Request, error) {
	req := &Request{
		Model:     getString(body, "model"),
		Stream:    getBool(body, "stream"),
		MaxTokens: getInt(body, "max_output_tokens"),
	}
	if t, ok := getFloat(body, "temperature"); ok {
		req.Temperature = &t
	}
	if p, ok := getFloat(body, "top_p"); ok {
		req.TopP = &p
	}
	if ins := getString(body, "instructions"); ins != "" {
		req.Instructions = append(req.Instructions, Instruction{Role: RoleSystem, Text: ins})
	}

	switch input := body["input"].(type) {
	case string:
		req.Messages = append(req.Messages, Message{Role: RoleUser, Blocks: []Block{TextBlock{Text: input}}})
	case []any:
		for _, rawItem := range input {
			im, ok := rawItem.(map[string]any)
			if !ok {
				continue
			}
			switch getString(im, "type") {
			case "function_call":
				req.Messages = append(req.Messages, Message{Role: RoleAssistant, Blocks: []Block{ToolUseBlock{
					ID:    getString(im, "call_id"),
					Name:  getString(im, "name"),
					Input: parseJSONObject(getString(im, "arguments")),
				}}})
			case "function_call_output":
				req.Messages = append(req.Messages, Message{Role: RoleUser, Blocks: []Block{ToolResultBlock{
					ToolUseID:   getString(im, "call_id"),
					ContentText: getString(im, "output"),
				}}})
			case "", "message":
				role := getString(im, "role")
				switch role {
				case "system", "developer":
					r := RoleSystem
					if role == "developer" {
						r = RoleDeveloper
					}
					req.Instructions = append(req.Instructions, Instruction{Role: r, Text: responsesContentText(im["content"])})
					continue
				}
				msg := Message{Role: claudeRoleIn(role)}
				switch content := im["content"].(type) {
				case string:
					msg.Blocks = append(msg.Blocks, TextBlock{Text: content})
				case []any:
					for _, rawPart := range content {
						pm, ok := rawPart.(map[string]any)
						if !ok {
							continue
						}
						msg.Blocks = append(msg.Blocks, responsesPartIn(pm))
					}
				}
				if len(msg.Blocks) > 0 {
					req.Messages = append(req.Messages, msg)
				}
			}
		}
	}

	for _, raw := range getSlice(body, "tools") {
		tm, ok := raw.(map[string]any)
		if !ok || getString(tm, "type") != "function" {
			continue
		}
		req.Tools = append(req.Tools, ToolDefinition{
			Name:        getString(tm, "name"),
			Description: getString(tm, "description"),
			Parameters:  getMap(tm, "parameters"),
		})
	}
	req.ToolChoice = openaiToolChoiceIn(body["tool_choice"])

	req.Extra = copyUnknown(body, "model", "input", "instructions", "max_output_tokens",
		"temperature", "top_p", "stream", "tools", "tool_choice")
	return req, nil
}

func (n *openaiResponsesNormalizer) RequestFromInternal(r *Request) (map[string]any, error) {
	out := map[string]any{"model": r.Model}
	if sys := r.SystemText(); sys != "" {
		out["instructions"] = sys
	}
	if r.MaxTokens > 0 {
		out["max_output_tokens"] = r.MaxTokens
	}
	if r.Temperature != nil {
		out["temperature"] = *r.Temperature
	}
	if r.TopP != nil {
		out["top_p"] = *r.TopP
	}
	if r.Stream {
		out["stream"] = true
	}

	var input []any
	for _, msg := range r.Messages {
		role := "user"
		partType := "input_text"
		if msg.Role == RoleAssistant {
			role = "assistant"
			partType = "output_text"
		}
		var parts []any
		for _, b := range msg.Blocks {
			switch v := b.(type) {
			case TextBlock:
				parts = append(parts, map[string]any{"type": partType, "text": v.Text})
			case ImageBlock:
				url := v.URL
				if url == "" {
					url = "data:" + v.MediaType + ";base64," + v.Data
				}
				parts = append(parts, map[string]any{"type": "input_image", "image_url": url})
			case ToolUseBlock:
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   v.ID,
					"name":      v.Name,
					"arguments": encodeJSONString(orEmptyObject(v.Input)),
				})
			case ToolResultBlock:
				output := v.ContentText
				if output == "" && v.Output != nil {
					output = encodeJSONString(v.Output)
				}
				input = append(input, map[string]any{
					"type":    "function_call_output",
					"call_id": v.ToolUseID,
					"output":  output,
				})
			default:
				return nil, convErr(apiformat.FormatUnknown, apiformat.OpenAICLI, "unsupported block type %s", b.Kind())
			}
		}
		if len(parts) > 0 {
			input = append(input, map[string]any{"role": role, "content": parts})
		}
	}
	out["input"] = input

	if len(r.Tools) > 0 {
		tools := make([]any, 0, len(r.Tools))
		for _, t := range r.Tools {
			tm := map[string]any{"type": "function", "name": t.Name}
			if t.Description != "" {
				tm["description"] = t.Description
			}
			if t.Parameters != nil {
				tm["parameters"] = t.Parameters
			}
			tools = append(tools, tm)
		}
		out["tools"] = tools
	}
	if r.ToolChoice != nil {
		out["tool_choice"] = responsesToolChoiceOut(r.ToolChoice)
	}
	return out, nil
}

func (n *openaiResponsesNormalizer) ResponseToInternal(body map[string]any) (*Response, error) {
	resp := &Response{
		ID:    getString(body, "id"),
		Model: getString(body, "model"),
	}
	hasToolCall := false
	for _, rawItem := range getSlice(body, "output") {
		im, ok := rawItem.(map[string]any)
		if !ok {
			continue
		}
		switch getString(im, "type") {
		case "message":
			for _, rawPart := range getSlice(im, "content") {
				pm, ok := rawPart.(map[string]any)
				if !ok {
					continue
				}
				if getString(pm, "type") == "output_text" {
					resp.Content = append(resp.Content, TextBlock{Text: getString(pm, "text")})
				}
			}
		case "function_call":
			hasToolCall = true
			resp.Content = append(resp.Content, ToolUseBlock{
				ID:    getString(im, "call_id"),
				Name:  getString(im, "name"),
				Input: parseJSONObject(getString(im, "arguments")),
			})
		}
	}

	resp.StopReason = responsesStopIn(body, hasToolCall)
	if u := getMap(body, "usage"); u != nil {
		resp.Usage = responsesUsageIn(u)
	}
	resp.Extra = copyUnknown(body, "id", "object", "created_at", "model", "status", "output", "usage", "incomplete_details")
	return resp, nil
}

func (n *openaiResponsesNormalizer) ResponseFromInternal(r *Response) (map[string]any, error) {
	id := r.ID
	if id == "" {
		id = "resp_" + uuid.NewString()
	}
	var output []any
	var textParts []any
	for _, b := range r.Content {
		switch v := b.(type) {
		case TextBlock:
			textParts = append(textParts, map[string]any{"type": "output_text", "text": v.Text, "annotations": []any{}})
		case ToolUseBlock:
			output = append(output, map[string]any{
				"type":      "function_call",
				"id":        "fc_" + uuid.NewString(),
				"call_id":   v.ID,
				"name":      v.Name,
				"arguments": encodeJSONString(orEmptyObject(v.Input)),
				"status":    "completed",
			})
		case ImageBlock, ToolResultBlock:
			return nil, convErr(apiformat.FormatUnknown, apiformat.OpenAICLI, "response cannot carry block type %s", b.Kind())
		}
	}
	if len(textParts) > 0 {
		output = append([]any{map[string]any{
			"type":    "message",
			"id":      "msg_" + uuid.NewString(),
			"role":    "assistant",
			"status":  "completed",
			"content": textParts,
		}}, output...)
	}

	status := "completed"
	var incomplete any
	if r.StopReason == StopMaxTokens {
		status = "incomplete"
		incomplete = map[string]any{"reason": "max_output_tokens"}
	}
	out := map[string]any{
		"id":                 id,
		"object":             "response",
		"created_at":         time.Now().Unix(),
		"model":              r.Model,
		"status":             status,
		"output":             output,
		"incomplete_details": incomplete,
	}
	if r.Usage != nil {
		out["usage"] = responsesUsageOut(r.Usage)
	}
	return out, nil
}

type responsesStreamSub struct {
	started   bool
	blockOpen bool
	openIndex int
	usage     Usage

	outID      string
	outModel   string
	outSeq     int
	outItemIDs map[int]string
}

func (n *openaiResponsesNormalizer) StreamToInternal(payload map[string]any, eventName string, st *StreamState) ([]StreamEvent, error) {
	sub := substate[responsesStreamSub](st, "openai_responses")
	typ := getString(payload, "type")
	if typ == "" {
		typ = eventName
	}
	switch typ {
	case "response.created":
		resp := getMap(payload, "response")
		ev := MessageStart{MessageID: getString(resp, "id"), Model: getString(resp, "model")}
		if st.MessageID == "" {
			st.MessageID = ev.MessageID
		}
		sub.started = true
		return []StreamEvent{ev}, nil

	case "response.output_item.added":
		item := getMap(payload, "item")
		idx := getInt(payload, "output_index")
		switch getString(item, "type") {
		case "function_call":
			sub.blockOpen = true
			sub.openIndex = idx
			return []StreamEvent{ContentBlockStart{
				Index:     idx,
				BlockType: BlockToolUse,
				ToolID:    getString(item, "call_id"),
				ToolName:  getString(item, "name"),
			}}, nil
		case "message":
			sub.blockOpen = true
			sub.openIndex = idx
			return []StreamEvent{ContentBlockStart{Index: idx, BlockType: BlockText}}, nil
		}
		return nil, nil

	case "response.output_text.delta":
		return []StreamEvent{ContentDelta{Index: getInt(payload, "output_index"), Text: getString(payload, "delta")}}, nil

	case "response.function_call_arguments.delta":
		return []StreamEvent{ToolCallDelta{Index: getInt(payload, "output_index"), InputDelta: getString(payload, "delta")}}, nil

	case "response.output_item.done":
		sub.blockOpen = false
		return []StreamEvent{ContentBlockStop{Index: getInt(payload, "output_index")}}, nil

	case "response.completed", "response.incomplete":
		resp := getMap(payload, "response")
		hasToolCall := false
		for _, rawItem := range getSlice(resp, "output") {
			if im, ok := rawItem.(map[string]any); ok && getString(im, "type") == "function_call" {
				hasToolCall = true
			}
		}
		reason := responsesStopIn(resp, hasToolCall)
		var usage *Usage
		if u := getMap(resp, "usage"); u != nil {
			sub.usage.Merge(*responsesUsageIn(u))
		}
		uCopy := sub.usage
		usage = &uCopy
		return []StreamEvent{MessageStop{StopReason: reason, Usage: usage}}, nil

	case "response.failed", "error":
		if err := n.ErrorToInternal(payload); err != nil {
			return []StreamEvent{ErrorEvent{Err: err}}, nil
		}
		return []StreamEvent{ErrorEvent{Err: &UpstreamError{Type: ErrServerError, Message: "response failed"}}}, nil

	case "response.in_progress", "response.content_part.added", "response.content_part.done",
		"response.output_text.done", "response.function_call_arguments.done":
		return nil, nil
	}
	return []StreamEvent{UnknownEvent{RawType: typ, Payload: payload}}, nil
}

func (n *openaiResponsesNormalizer) StreamFromInternal(ev StreamEvent, st *StreamState) ([]StreamPayload, error) {
	sub := substate[responsesStreamSub](st, "openai_responses_out")
	frame := func(typ string, fields map[string]any) StreamPayload {
		data := map[string]any{"type": typ, "sequence_number": sub.outSeq}
		sub.outSeq++
		for k, v := range fields {
			data[k] = v
		}
		return StreamPayload{Event: typ, Data: data}
	}

	switch e := ev.(type) {
	case MessageStart:
		sub.outID = e.MessageID
		if sub.outID == "" {
			sub.outID = "resp_" + uuid.NewString()
		}
		sub.outModel = e.Model
		sub.outItemIDs = make(map[int]string)
		if e.Usage != nil {
			sub.usage.Merge(*e.Usage)
		}
		resp := map[string]any{"id": sub.outID, "object": "response", "model": sub.outModel, "status": "in_progress", "output": []any{}}
		return []StreamPayload{
			frame("response.created", map[string]any{"response": resp}),
			frame("response.in_progress", map[string]any{"response": resp}),
		}, nil

	case ContentBlockStart:
		if sub.outItemIDs == nil {
			sub.outItemIDs = make(map[int]string)
		}
		if e.BlockType == BlockToolUse {
			itemID := "fc_" + uuid.NewString()
			sub.outItemIDs[e.Index] = itemID
			return []StreamPayload{frame("response.output_item.added", map[string]any{
				"output_index": e.Index,
				"item": map[string]any{
					"type": "function_call", "id": itemID,
					"call_id": e.ToolID, "name": e.ToolName, "arguments": "",
				},
			})}, nil
		}
		itemID := "msg_" + uuid.NewString()
		sub.outItemIDs[e.Index] = itemID
		return []StreamPayload{
			frame("response.output_item.added", map[string]any{
				"output_index": e.Index,
				"item": map[string]any{
					"type": "message", "id": itemID, "role": "assistant",
					"status": "in_progress", "content": []any{},
				},
			}),
			frame("response.content_part.added", map[string]any{
				"output_index":  e.Index,
				"item_id":       itemID,
				"content_index": 0,
				"part":          map[string]any{"type": "output_text", "text": "", "annotations": []any{}},
			}),
		}, nil

	case ContentDelta:
		return []StreamPayload{frame("response.output_text.delta", map[string]any{
			"output_index":  e.Index,
			"item_id":       sub.outItemIDs[e.Index],
			"content_index": 0,
			"delta":         e.Text,
		})}, nil

	case ToolCallDelta:
		return []StreamPayload{frame("response.function_call_arguments.delta", map[string]any{
			"output_index": e.Index,
			"item_id":      sub.outItemIDs[e.Index],
			"delta":        e.InputDelta,
		})}, nil

	case ContentBlockStop:
		return []StreamPayload{frame("response.output_item.done", map[string]any{
			"output_index": e.Index,
			"item_id":      sub.outItemIDs[e.Index],
		})}, nil

	case UsageEvent:
		sub.usage.Merge(e.Usage)
		return nil, nil

	case MessageStop:
		if e.Usage != nil {
			sub.usage.Merge(*e.Usage)
		}
		status := "completed"
		typ := "response.completed"
		var incomplete any
		if e.StopReason == StopMaxTokens {
			status = "incomplete"
			typ = "response.incomplete"
			incomplete = map[string]any{"reason": "max_output_tokens"}
		}
		resp := map[string]any{
			"id": sub.outID, "object": "response", "model": sub.outModel,
			"status": status, "incomplete_details": incomplete,
			"usage": responsesUsageOut(&sub.usage),
		}
		return []StreamPayload{frame(typ, map[string]any{"response": resp})}, nil

	case ErrorEvent:
		data := n.ErrorFromInternal(e.Err)
		data["type"] = "error"
		return []StreamPayload{{Event: "error", Data: data}}, nil
	}
	return nil, nil
}

func (n *openaiResponsesNormalizer) ErrorToInternal(body map[string]any) *UpstreamError {
	// Shares the Chat Completions envelope.
	return (&openaiChatNormalizer{}).ErrorToInternal(body)
}

func (n *openaiResponsesNormalizer) ErrorFromInternal(err *UpstreamError) map[string]any {
	return (&openaiChatNormalizer{}).ErrorFromInternal(err)
}

func responsesStopIn(body map[string]any, hasToolCall bool) StopReason {
	if inc := getMap(body, "incomplete_details"); inc != nil {
		if getString(inc, "reason") == "max_output_tokens" {
			return StopMaxTokens
		}
		return StopUnknown
	}
	if hasToolCall {
		return StopToolUse
	}
	switch getString(body, "status") {
	case "completed", "":
		return StopEndTurn
	}
	return StopUnknown
}

func responsesContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		out := ""
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if t := getString(m, "text"); t != "" {
					if out != "" {
						out += "\n"
					}
					out += t
				}
			}
		}
		return out
	}
	return ""
}

func responsesPartIn(pm map[string]any) Block {
	switch getString(pm, "type") {
	case "input_text", "output_text", "text":
		return TextBlock{Text: getString(pm, "text")}
	case "input_image":
		url := getString(pm, "image_url")
		if url == "" {
			url = getString(getMap(pm, "image_url"), "url")
		}
		if data, mediaType, ok := parseDataURI(url); ok {
			return ImageBlock{Data: data, MediaType: mediaType}
		}
		return ImageBlock{URL: url}
	}
	return UnknownBlock{RawType: getString(pm, "type"), Payload: pm}
}

func responsesToolChoiceOut(tc *ToolChoice) any {
	switch tc.Type {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceRequired:
		return "required"
	case ToolChoiceTool:
		return map[string]any{"type": "function", "name": tc.ToolName}
	}
	return "auto"
}

func responsesUsageIn(u map[string]any) *Usage {
	usage := &Usage{
		InputTokens:  getInt(u, "input_tokens"),
		OutputTokens: getInt(u, "output_tokens"),
		TotalTokens:  getInt(u, "total_tokens"),
	}
	if details := getMap(u, "input_tokens_details"); details != nil {
		usage.CacheReadTokens = getInt(details, "cached_tokens")
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return usage
}

func responsesUsageOut(u *Usage) map[string]any {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	out := map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"total_tokens":  total,
	}
	if u.CacheReadTokens > 0 {
		out["input_tokens_details"] = map[string]any{"cached_tokens": u.CacheReadTokens}
	}
	return out
}
