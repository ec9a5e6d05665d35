package codec

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

type openaiChatNormalizer struct{}

func newOpenAIChatNormalizer() *openaiChatNormalizer { return &openaiChatNormalizer{} }

func (openaiChatNormalizer) DataFormatID() string     { return "openai_chat" }
func (openaiChatNormalizer) Format() apiformat.Format { return apiformat.OpenAI }

func (n *openaiChatNormalizer) RequestToInternal(body map[string]any) (*Request, error) {
	req := &Request{
		Model:  getString(body, "model"),
		Stream: getBool(body, "stream"),
	}
	if v := getInt(body, "max_completion_tokens"); v > 0 {
		req.MaxTokens = v
	} else {
		req.MaxTokens = getInt(body, "max_tokens")
	}
	if t, ok := getFloat(body, "temperature"); ok {
		req.Temperature = &t
	}
	if p, ok := getFloat(body, "top_p"); ok {
		req.TopP = &p
	}
	req.StopSequences = getStringSlice(body, "stop")

	for _, raw := range getSlice(body, "messages") {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role := getString(m, "role")
		switch role {
		case "system", "developer":
			r := RoleSystem
			if role == "developer" {
				r = RoleDeveloper
			}
			req.Instructions = append(req.Instructions, Instruction{Role: r, Text: openaiContentText(m["content"])})
			continue
		case "tool":
			req.Messages = append(req.Messages, Message{Role: RoleUser, Blocks: []Block{ToolResultBlock{
				ToolUseID:   getString(m, "tool_call_id"),
				ContentText: openaiContentText(m["content"]),
			}}})
			continue
		}

		msg := Message{Role: claudeRoleIn(role)}
		switch content := m["content"].(type) {
		case string:
			if content != "" {
				msg.Blocks = append(msg.Blocks, TextBlock{Text: content})
			}
		case []any:
			for _, rawPart := range content {
				pm, ok := rawPart.(map[string]any)
				if !ok {
					continue
				}
				msg.Blocks = append(msg.Blocks, openaiPartIn(pm))
			}
		}
		for _, rawCall := range getSlice(m, "tool_calls") {
			cm, ok := rawCall.(map[string]any)
			if !ok {
				continue
			}
			fn := getMap(cm, "function")
			msg.Blocks = append(msg.Blocks, ToolUseBlock{
				ID:    getString(cm, "id"),
				Name:  getString(fn, "name"),
				Input: parseJSONObject(getString(fn, "arguments")),
			})
		}
		if len(msg.Blocks) > 0 {
			req.Messages = append(req.Messages, msg)
		}
	}

	for _, raw := range getSlice(body, "tools") {
		tm, ok := raw.(map[string]any)
		if !ok || getString(tm, "type") != "function" {
			continue
		}
		fn := getMap(tm, "function")
		req.Tools = append(req.Tools, ToolDefinition{
			Name:        getString(fn, "name"),
			Description: getString(fn, "description"),
			Parameters:  getMap(fn, "parameters"),
		})
	}
	req.ToolChoice = openaiToolChoiceIn(body["tool_choice"])

	req.Extra = copyUnknown(body, "model", "messages", "max_tokens", "max_completion_tokens",
		"temperature", "top_p", "stop", "stream", "stream_options", "tools", "tool_choice")
	return req, nil
}

func (n *openaiChatNormalizer) RequestFromInternal(r *Request) (map[string]any, error) {
	messages := make([]any, 0, len(r.Messages)+len(r.Instructions))
	for _, ins := range r.Instructions {
		role := "system"
		if ins.Role == RoleDeveloper {
			role = "developer"
		}
		messages = append(messages, map[string]any{"role": role, "content": ins.Text})
	}

	for _, msg := range r.Messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "assistant"
		}
		var parts []any
		var textOnly strings.Builder
		plainText := true
		var toolCalls []any
		var toolResults []map[string]any

		for _, b := range msg.Blocks {
			switch v := b.(type) {
			case TextBlock:
				textOnly.WriteString(v.Text)
				parts = append(parts, map[string]any{"type": "text", "text": v.Text})
			case ImageBlock:
				plainText = false
				url := v.URL
				if url == "" {
					url = fmt.Sprintf("data:%s;base64,%s", v.MediaType, v.Data)
				}
				parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}})
			case ToolUseBlock:
				toolCalls = append(toolCalls, map[string]any{
					"id":   v.ID,
					"type": "function",
					"function": map[string]any{
						"name":      v.Name,
						"arguments": encodeJSONString(orEmptyObject(v.Input)),
					},
				})
			case ToolResultBlock:
				content := v.ContentText
				if content == "" && v.Output != nil {
					content = encodeJSONString(v.Output)
				}
				toolResults = append(toolResults, map[string]any{
					"role": "tool", "tool_call_id": v.ToolUseID, "content": content,
				})
			default:
				return nil, convErr(apiformat.FormatUnknown, apiformat.OpenAI, "unsupported block type %s", b.Kind())
			}
		}

		if len(parts) > 0 || len(toolCalls) > 0 {
			out := map[string]any{"role": role}
			if plainText {
				out["content"] = textOnly.String()
			} else {
				out["content"] = parts
			}
			if len(toolCalls) > 0 {
				out["tool_calls"] = toolCalls
				if textOnly.Len() == 0 {
					out["content"] = nil
				}
			}
			messages = append(messages, out)
		}
		for _, tr := range toolResults {
			messages = append(messages, tr)
		}
	}

	out := map[string]any{
		"model":    r.Model,
		"messages": messages,
	}
	if r.MaxTokens > 0 {
		out["max_tokens"] = r.MaxTokens
	}
	if r.Temperature != nil {
		out["temperature"] = *r.Temperature
	}
	if r.TopP != nil {
		out["top_p"] = *r.TopP
	}
	if len(r.StopSequences) > 0 {
		out["stop"] = r.StopSequences
	}
	if r.Stream {
		out["stream"] = true
		out["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(r.Tools) > 0 {
		tools := make([]any, 0, len(r.Tools))
		for _, t := range r.Tools {
			fn := map[string]any{"name": t.Name}
			if t.Description != "" {
				fn["description"] = t.Description
			}
			if t.Parameters != nil {
				fn["parameters"] = t.Parameters
			}
			tools = append(tools, map[string]any{"type": "function", "function": fn})
		}
		out["tools"] = tools
	}
	if r.ToolChoice != nil {
		out["tool_choice"] = openaiToolChoiceOut(r.ToolChoice)
	}
	return out, nil
}

func (n *openaiChatNormalizer) ResponseToInternal(body map[string]any) (*Response, error) {
	resp := &Response{
		ID:    getString(body, "id"),
		Model: getString(body, "model"),
	}
	choices := getSlice(body, "choices")
	if len(choices) > 0 {
		choice, _ := choices[0].(map[string]any)
		msg := getMap(choice, "message")
		if text := getString(msg, "content"); text != "" {
			resp.Content = append(resp.Content, TextBlock{Text: text})
		}
		for _, rawCall := range getSlice(msg, "tool_calls") {
			cm, ok := rawCall.(map[string]any)
			if !ok {
				continue
			}
			fn := getMap(cm, "function")
			resp.Content = append(resp.Content, ToolUseBlock{
				ID:    getString(cm, "id"),
				Name:  getString(fn, "name"),
				Input: parseJSONObject(getString(fn, "arguments")),
			})
		}
		resp.StopReason = stopIn(openaiStopIn, getString(choice, "finish_reason"))
	}
	if u := getMap(body, "usage"); u != nil {
		resp.Usage = openaiUsageIn(u)
	}
	resp.Extra = copyUnknown(body, "id", "object", "created", "model", "choices", "usage", "system_fingerprint")
	return resp, nil
}

func (n *openaiChatNormalizer) ResponseFromInternal(r *Response) (map[string]any, error) {
	id := r.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	msg := map[string]any{"role": "assistant", "content": nil}
	var text strings.Builder
	var toolCalls []any
	for _, b := range r.Content {
		switch v := b.(type) {
		case TextBlock:
			text.WriteString(v.Text)
		case ToolUseBlock:
			toolCalls = append(toolCalls, map[string]any{
				"id":   v.ID,
				"type": "function",
				"function": map[string]any{
					"name":      v.Name,
					"arguments": encodeJSONString(orEmptyObject(v.Input)),
				},
			})
		case ImageBlock, ToolResultBlock:
			return nil, convErr(apiformat.FormatUnknown, apiformat.OpenAI, "response cannot carry block type %s", b.Kind())
		}
	}
	if text.Len() > 0 {
		msg["content"] = text.String()
	}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}

	reason := r.StopReason
	if reason == StopNone {
		reason = StopEndTurn
	}
	out := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   r.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       msg,
			"finish_reason": stopOut(openaiStopOut, reason, "stop"),
		}},
	}
	if r.Usage != nil {
		out["usage"] = openaiUsageOut(r.Usage)
	}
	return out, nil
}

// openaiChatStreamSub tracks block bookkeeping across chunks. OpenAI
// frames deltas flat; the canonical form needs explicit block
// boundaries.
type openaiChatStreamSub struct {
	started      bool
	openIndex    int
	openType     BlockType
	blockOpen    bool
	nextIndex    int
	toolIndexMap map[int]int // openai tool_call index -> canonical block index
	toolIDs      map[int]string
	usage        Usage
	stopReason   StopReason
	stopPending  bool

	// outbound side
	outID      string
	outModel   string
	outCreated int64
	outTool    map[int]int // canonical block index -> openai tool_call index
	outNext    int
	roleSent   bool
}

func (n *openaiChatNormalizer) StreamToInternal(payload map[string]any, eventName string, st *StreamState) ([]StreamEvent, error) {
	sub := substate[openaiChatStreamSub](st, "openai_chat")
	var events []StreamEvent

	if em := getMap(payload, "error"); em != nil {
		return []StreamEvent{ErrorEvent{Err: n.ErrorToInternal(payload)}}, nil
	}

	if !sub.started {
		sub.started = true
		sub.toolIndexMap = make(map[int]int)
		sub.toolIDs = make(map[int]string)
		id := getString(payload, "id")
		model := getString(payload, "model")
		if st.MessageID == "" {
			st.MessageID = id
		}
		if st.Model == "" {
			st.Model = model
		}
		events = append(events, MessageStart{MessageID: id, Model: model})
	}

	if u := getMap(payload, "usage"); u != nil {
		sub.usage.Merge(*openaiUsageIn(u))
	}

	choices := getSlice(payload, "choices")
	if len(choices) == 0 {
		// usage-only frame (stream_options include_usage)
		if sub.stopPending {
			u := sub.usage
			events = append(events, MessageStop{StopReason: sub.stopReason, Usage: &u})
			sub.stopPending = false
		} else if sub.usage != (Usage{}) {
			events = append(events, UsageEvent{Usage: sub.usage})
		}
		return events, nil
	}
	choice, _ := choices[0].(map[string]any)
	delta := getMap(choice, "delta")

	if text := getString(delta, "content"); text != "" {
		if !sub.blockOpen || sub.openType != BlockText {
			if sub.blockOpen {
				events = append(events, ContentBlockStop{Index: sub.openIndex})
			}
			sub.openIndex = sub.nextIndex
			sub.nextIndex++
			sub.openType = BlockText
			sub.blockOpen = true
			events = append(events, ContentBlockStart{Index: sub.openIndex, BlockType: BlockText})
		}
		events = append(events, ContentDelta{Index: sub.openIndex, Text: text})
	}

	for _, rawCall := range getSlice(delta, "tool_calls") {
		cm, ok := rawCall.(map[string]any)
		if !ok {
			continue
		}
		callIdx := getInt(cm, "index")
		fn := getMap(cm, "function")
		blockIdx, known := sub.toolIndexMap[callIdx]
		if !known {
			if sub.blockOpen {
				events = append(events, ContentBlockStop{Index: sub.openIndex})
				sub.blockOpen = false
			}
			blockIdx = sub.nextIndex
			sub.nextIndex++
			sub.toolIndexMap[callIdx] = blockIdx
			sub.toolIDs[callIdx] = getString(cm, "id")
			events = append(events, ContentBlockStart{
				Index:     blockIdx,
				BlockType: BlockToolUse,
				ToolID:    getString(cm, "id"),
				ToolName:  getString(fn, "name"),
			})
			sub.openIndex = blockIdx
			sub.openType = BlockToolUse
			sub.blockOpen = true
		}
		if args := getString(fn, "arguments"); args != "" {
			events = append(events, ToolCallDelta{Index: blockIdx, ToolID: sub.toolIDs[callIdx], InputDelta: args})
		}
	}

	if fr := getString(choice, "finish_reason"); fr != "" {
		if sub.blockOpen {
			events = append(events, ContentBlockStop{Index: sub.openIndex})
			sub.blockOpen = false
		}
		sub.stopReason = stopIn(openaiStopIn, fr)
		// usage may trail in a final choice-less frame; if the stream
		// ends at [DONE] instead, FinishStream consumes the pending
		// reason.
		sub.stopPending = true
		st.pendingStop = sub.stopReason
		u := sub.usage
		st.pendingUsage = &u
	}
	return events, nil
}

func (n *openaiChatNormalizer) StreamFromInternal(ev StreamEvent, st *StreamState) ([]StreamPayload, error) {
	sub := substate[openaiChatStreamSub](st, "openai_chat_out")
	base := func() map[string]any {
		return map[string]any{
			"id":      sub.outID,
			"object":  "chat.completion.chunk",
			"created": sub.outCreated,
			"model":   sub.outModel,
		}
	}
	chunk := func(delta map[string]any, finish any) StreamPayload {
		d := base()
		d["choices"] = []any{map[string]any{"index": 0, "delta": delta, "finish_reason": finish}}
		return StreamPayload{Data: d}
	}

	switch e := ev.(type) {
	case MessageStart:
		sub.outID = e.MessageID
		if sub.outID == "" {
			sub.outID = "chatcmpl-" + uuid.NewString()
		}
		sub.outModel = e.Model
		sub.outCreated = time.Now().Unix()
		sub.outTool = make(map[int]int)
		if e.Usage != nil {
			sub.usage.Merge(*e.Usage)
		}
		sub.roleSent = true
		return []StreamPayload{chunk(map[string]any{"role": "assistant", "content": ""}, nil)}, nil

	case ContentBlockStart:
		if e.BlockType == BlockToolUse {
			callIdx := sub.outNext
			sub.outNext++
			if sub.outTool == nil {
				sub.outTool = make(map[int]int)
			}
			sub.outTool[e.Index] = callIdx
			return []StreamPayload{chunk(map[string]any{"tool_calls": []any{map[string]any{
				"index": callIdx,
				"id":    e.ToolID,
				"type":  "function",
				"function": map[string]any{
					"name":      e.ToolName,
					"arguments": "",
				},
			}}}, nil)}, nil
		}
		return nil, nil

	case ContentDelta:
		return []StreamPayload{chunk(map[string]any{"content": e.Text}, nil)}, nil

	case ToolCallDelta:
		callIdx := sub.outTool[e.Index]
		return []StreamPayload{chunk(map[string]any{"tool_calls": []any{map[string]any{
			"index":    callIdx,
			"function": map[string]any{"arguments": e.InputDelta},
		}}}, nil)}, nil

	case ContentBlockStop:
		return nil, nil

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
		out := []StreamPayload{chunk(map[string]any{}, stopOut(openaiStopOut, reason, "stop"))}
		if sub.usage != (Usage{}) {
			d := base()
			d["choices"] = []any{}
			d["usage"] = openaiUsageOut(&sub.usage)
			out = append(out, StreamPayload{Data: d})
		}
		return out, nil

	case ErrorEvent:
		return []StreamPayload{{Data: n.ErrorFromInternal(e.Err)}}, nil
	}
	return nil, nil
}

func (n *openaiChatNormalizer) ErrorToInternal(body map[string]any) *UpstreamError {
	em := getMap(body, "error")
	if em == nil {
		return nil
	}
	rawType := getString(em, "type")
	code := getString(em, "code")
	typ, ok := openaiErrorIn[rawType]
	if !ok {
		if t, okCode := openaiErrorIn[code]; okCode {
			typ = t
		} else {
			typ = ErrUnknown
		}
	}
	return &UpstreamError{
		Type:    typ,
		Message: getString(em, "message"),
		Code:    code,
		Param:   getString(em, "param"),
	}
}

func (n *openaiChatNormalizer) ErrorFromInternal(err *UpstreamError) map[string]any {
	em := map[string]any{
		"type":    openaiErrorOut[err.Type],
		"message": err.Message,
		"param":   nil,
		"code":    nil,
	}
	if err.Param != "" {
		em["param"] = err.Param
	}
	if err.Code != "" {
		em["code"] = err.Code
	}
	return map[string]any{"error": em}
}

func openaiContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if t := getString(m, "text"); t != "" {
					parts = append(parts, t)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func openaiPartIn(pm map[string]any) Block {
	switch getString(pm, "type") {
	case "text":
		return TextBlock{Text: getString(pm, "text")}
	case "image_url":
		url := getString(getMap(pm, "image_url"), "url")
		if data, mediaType, ok := parseDataURI(url); ok {
			return ImageBlock{Data: data, MediaType: mediaType}
		}
		return ImageBlock{URL: url}
	}
	return UnknownBlock{RawType: getString(pm, "type"), Payload: pm}
}

// parseDataURI splits a data:<media>;base64,<payload> URI.
func parseDataURI(uri string) (data, mediaType string, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}
	rest := uri[len("data:"):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	payload := rest[sep+len(";base64,"):]
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return "", "", false
	}
	return payload, rest[:sep], true
}

func openaiToolChoiceIn(v any) *ToolChoice {
	switch tc := v.(type) {
	case string:
		switch tc {
		case "auto":
			return &ToolChoice{Type: ToolChoiceAuto}
		case "none":
			return &ToolChoice{Type: ToolChoiceNone}
		case "required":
			return &ToolChoice{Type: ToolChoiceRequired}
		}
	case map[string]any:
		if getString(tc, "type") == "function" {
			return &ToolChoice{Type: ToolChoiceTool, ToolName: getString(getMap(tc, "function"), "name")}
		}
	}
	return nil
}

func openaiToolChoiceOut(tc *ToolChoice) any {
	switch tc.Type {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceRequired:
		return "required"
	case ToolChoiceTool:
		return map[string]any{"type": "function", "function": map[string]any{"name": tc.ToolName}}
	}
	return "auto"
}

func openaiUsageIn(u map[string]any) *Usage {
	usage := &Usage{
		InputTokens:  getInt(u, "prompt_tokens"),
		OutputTokens: getInt(u, "completion_tokens"),
		TotalTokens:  getInt(u, "total_tokens"),
	}
	if details := getMap(u, "prompt_tokens_details"); details != nil {
		usage.CacheReadTokens = getInt(details, "cached_tokens")
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return usage
}

func openaiUsageOut(u *Usage) map[string]any {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	out := map[string]any{
		"prompt_tokens":     u.InputTokens,
		"completion_tokens": u.OutputTokens,
		"total_tokens":      total,
	}
	if u.CacheReadTokens > 0 {
		out["prompt_tokens_details"] = map[string]any{"cached_tokens": u.CacheReadTokens}
	}
	return out
}

func orEmptyObject(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
