package codec

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

// geminiNormalizer speaks generateContent / streamGenerateContent.
// Gemini carries no message ids and no tool-call ids; ids are
// synthesized deterministically from the function name and position so
// a functionResponse can be matched back by name.
type geminiNormalizer struct{}

func newGeminiNormalizer() *geminiNormalizer { return &geminiNormalizer{} }

func (geminiNormalizer) DataFormatID() string     { return "gemini" }
func (geminiNormalizer) Format() apiformat.Format { return apiformat.Gemini }

func (n *geminiNormalizer) RequestToInternal(body map[string]any) (*Request, error) {
	req := &Request{Model: getString(body, "model")}

	if si := getMap(body, "systemInstruction"); si != nil {
		if text := geminiPartsText(getSlice(si, "parts")); text != "" {
			req.Instructions = append(req.Instructions, Instruction{Role: RoleSystem, Text: text})
		}
	}

	toolSeq := 0
	for _, rawContent := range getSlice(body, "contents") {
		cm, ok := rawContent.(map[string]any)
		if !ok {
			continue
		}
		role := RoleUser
		if getString(cm, "role") == "model" {
			role = RoleAssistant
		}
		msg := Message{Role: role}
		for _, rawPart := range getSlice(cm, "parts") {
			pm, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			block := geminiPartIn(pm, &toolSeq)
			if block != nil {
				msg.Blocks = append(msg.Blocks, block)
			}
		}
		if len(msg.Blocks) > 0 {
			req.Messages = append(req.Messages, msg)
		}
	}

	if gc := getMap(body, "generationConfig"); gc != nil {
		req.MaxTokens = getInt(gc, "maxOutputTokens")
		if t, ok := getFloat(gc, "temperature"); ok {
			req.Temperature = &t
		}
		if p, ok := getFloat(gc, "topP"); ok {
			req.TopP = &p
		}
		if k, ok := getFloat(gc, "topK"); ok {
			ki := int(k)
			req.TopK = &ki
		}
		req.StopSequences = getStringSlice(gc, "stopSequences")
	}

	for _, rawTool := range getSlice(body, "tools") {
		tm, ok := rawTool.(map[string]any)
		if !ok {
			continue
		}
		for _, rawDecl := range getSlice(tm, "functionDeclarations") {
			dm, ok := rawDecl.(map[string]any)
			if !ok {
				continue
			}
			req.Tools = append(req.Tools, ToolDefinition{
				Name:        getString(dm, "name"),
				Description: getString(dm, "description"),
				Parameters:  getMap(dm, "parameters"),
			})
		}
	}
	if tc := getMap(body, "toolConfig"); tc != nil {
		if fc := getMap(tc, "functionCallingConfig"); fc != nil {
			switch getString(fc, "mode") {
			case "AUTO":
				req.ToolChoice = &ToolChoice{Type: ToolChoiceAuto}
			case "NONE":
				req.ToolChoice = &ToolChoice{Type: ToolChoiceNone}
			case "ANY":
				names := getStringSlice(fc, "allowedFunctionNames")
				if len(names) == 1 {
					req.ToolChoice = &ToolChoice{Type: ToolChoiceTool, ToolName: names[0]}
				} else {
					req.ToolChoice = &ToolChoice{Type: ToolChoiceRequired}
				}
			}
		}
	}

	req.Extra = copyUnknown(body, "model", "contents", "systemInstruction", "generationConfig", "tools", "toolConfig")
	return req, nil
}

func (n *geminiNormalizer) RequestFromInternal(r *Request) (map[string]any, error) {
	out := map[string]any{}
	if sys := r.SystemText(); sys != "" {
		out["systemInstruction"] = map[string]any{"parts": []any{map[string]any{"text": sys}}}
	}

	contents := make([]any, 0, len(r.Messages))
	for _, msg := range r.Messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		var parts []any
		for _, b := range msg.Blocks {
			part, err := geminiPartOut(b)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}
	out["contents"] = contents

	gc := map[string]any{}
	if r.MaxTokens > 0 {
		gc["maxOutputTokens"] = r.MaxTokens
	}
	if r.Temperature != nil {
		gc["temperature"] = *r.Temperature
	}
	if r.TopP != nil {
		gc["topP"] = *r.TopP
	}
	if r.TopK != nil {
		gc["topK"] = *r.TopK
	}
	if len(r.StopSequences) > 0 {
		gc["stopSequences"] = r.StopSequences
	}
	if len(gc) > 0 {
		out["generationConfig"] = gc
	}

	if len(r.Tools) > 0 {
		decls := make([]any, 0, len(r.Tools))
		for _, t := range r.Tools {
			dm := map[string]any{"name": t.Name}
			if t.Description != "" {
				dm["description"] = t.Description
			}
			if t.Parameters != nil {
				dm["parameters"] = t.Parameters
			}
			decls = append(decls, dm)
		}
		out["tools"] = []any{map[string]any{"functionDeclarations": decls}}
	}
	if r.ToolChoice != nil {
		fc := map[string]any{}
		switch r.ToolChoice.Type {
		case ToolChoiceNone:
			fc["mode"] = "NONE"
		case ToolChoiceRequired:
			fc["mode"] = "ANY"
		case ToolChoiceTool:
			fc["mode"] = "ANY"
			fc["allowedFunctionNames"] = []any{r.ToolChoice.ToolName}
		default:
			fc["mode"] = "AUTO"
		}
		out["toolConfig"] = map[string]any{"functionCallingConfig": fc}
	}
	return out, nil
}

func (n *geminiNormalizer) ResponseToInternal(body map[string]any) (*Response, error) {
	resp := &Response{
		ID:    "gemini_" + uuid.NewString(),
		Model: getString(body, "modelVersion"),
	}
	candidates := getSlice(body, "candidates")
	if len(candidates) > 0 {
		candidate, _ := candidates[0].(map[string]any)
		content := getMap(candidate, "content")
		toolSeq := 0
		for _, rawPart := range getSlice(content, "parts") {
			pm, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			if block := geminiPartIn(pm, &toolSeq); block != nil {
				resp.Content = append(resp.Content, block)
			}
		}
		resp.StopReason = stopIn(geminiStopIn, getString(candidate, "finishReason"))
		if resp.StopReason == StopEndTurn {
			for _, b := range resp.Content {
				if b.Kind() == BlockToolUse {
					resp.StopReason = StopToolUse
					break
				}
			}
		}
	}
	if u := getMap(body, "usageMetadata"); u != nil {
		resp.Usage = geminiUsageIn(u)
	}
	resp.Extra = copyUnknown(body, "candidates", "usageMetadata", "modelVersion", "responseId")
	return resp, nil
}

func (n *geminiNormalizer) ResponseFromInternal(r *Response) (map[string]any, error) {
	var parts []any
	for _, b := range r.Content {
		part, err := geminiPartOut(b)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	reason := r.StopReason
	if reason == StopNone {
		reason = StopEndTurn
	}
	out := map[string]any{
		"candidates": []any{map[string]any{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": stopOut(geminiStopOut, reason, "STOP"),
			"index":        0,
		}},
	}
	if r.Model != "" {
		out["modelVersion"] = r.Model
	}
	if r.Usage != nil {
		out["usageMetadata"] = geminiUsageOut(r.Usage)
	}
	return out, nil
}

type geminiStreamSub struct {
	started   bool
	blockOpen bool
	openType  BlockType
	openIndex int
	nextIndex int
	usage     Usage
	toolSeq   int

	outArgs  map[int]string // canonical block index -> accumulated json
	outTools map[int]string // canonical block index -> tool name
	outModel string
	stopped  bool
}

func (n *geminiNormalizer) StreamToInternal(payload map[string]any, eventName string, st *StreamState) ([]StreamEvent, error) {
	sub := substate[geminiStreamSub](st, "gemini")
	var events []StreamEvent

	if getMap(payload, "error") != nil {
		return []StreamEvent{ErrorEvent{Err: n.ErrorToInternal(payload)}}, nil
	}

	if !sub.started {
		sub.started = true
		if st.MessageID == "" {
			st.MessageID = "gemini_" + uuid.NewString()
		}
		if st.Model == "" {
			st.Model = getString(payload, "modelVersion")
		}
		events = append(events, MessageStart{MessageID: st.MessageID, Model: st.Model})
	}

	if u := getMap(payload, "usageMetadata"); u != nil {
		sub.usage.Merge(*geminiUsageIn(u))
	}

	sawToolUse := false
	candidates := getSlice(payload, "candidates")
	var finishReason string
	if len(candidates) > 0 {
		candidate, _ := candidates[0].(map[string]any)
		finishReason = getString(candidate, "finishReason")
		content := getMap(candidate, "content")
		for _, rawPart := range getSlice(content, "parts") {
			pm, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			if text, isText := pm["text"].(string); isText {
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
				continue
			}
			if fc := getMap(pm, "functionCall"); fc != nil {
				// Gemini sends whole calls, not fragments.
				sawToolUse = true
				if sub.blockOpen {
					events = append(events, ContentBlockStop{Index: sub.openIndex})
					sub.blockOpen = false
				}
				idx := sub.nextIndex
				sub.nextIndex++
				toolID := geminiToolID(getString(fc, "name"), sub.toolSeq)
				sub.toolSeq++
				events = append(events,
					ContentBlockStart{Index: idx, BlockType: BlockToolUse, ToolID: toolID, ToolName: getString(fc, "name")},
					ToolCallDelta{Index: idx, ToolID: toolID, InputDelta: encodeJSONString(orEmptyObject(getMap(fc, "args")))},
					ContentBlockStop{Index: idx},
				)
			}
		}
	}

	if finishReason != "" {
		if sub.blockOpen {
			events = append(events, ContentBlockStop{Index: sub.openIndex})
			sub.blockOpen = false
		}
		reason := stopIn(geminiStopIn, finishReason)
		if reason == StopEndTurn && sawToolUse {
			reason = StopToolUse
		}
		u := sub.usage
		events = append(events, MessageStop{StopReason: reason, Usage: &u})
	}
	return events, nil
}

func (n *geminiNormalizer) StreamFromInternal(ev StreamEvent, st *StreamState) ([]StreamPayload, error) {
	sub := substate[geminiStreamSub](st, "gemini_out")
	chunk := func(parts []any, finish string) StreamPayload {
		content := map[string]any{"role": "model"}
		if len(parts) > 0 {
			content["parts"] = parts
		}
		candidate := map[string]any{"content": content, "index": 0}
		if finish != "" {
			candidate["finishReason"] = finish
		}
		data := map[string]any{"candidates": []any{candidate}}
		if sub.outModel != "" {
			data["modelVersion"] = sub.outModel
		}
		return StreamPayload{Data: data}
	}

	switch e := ev.(type) {
	case MessageStart:
		sub.outModel = e.Model
		sub.outArgs = make(map[int]string)
		sub.outTools = make(map[int]string)
		if e.Usage != nil {
			sub.usage.Merge(*e.Usage)
		}
		return nil, nil

	case ContentBlockStart:
		if e.BlockType == BlockToolUse {
			if sub.outArgs == nil {
				sub.outArgs = make(map[int]string)
				sub.outTools = make(map[int]string)
			}
			sub.outArgs[e.Index] = ""
			sub.outTools[e.Index] = e.ToolName
		}
		return nil, nil

	case ContentDelta:
		if e.Text == "" {
			return nil, nil
		}
		return []StreamPayload{chunk([]any{map[string]any{"text": e.Text}}, "")}, nil

	case ToolCallDelta:
		sub.outArgs[e.Index] += e.InputDelta
		return nil, nil

	case ContentBlockStop:
		if name, ok := sub.outTools[e.Index]; ok {
			args := parseJSONObject(sub.outArgs[e.Index])
			delete(sub.outTools, e.Index)
			delete(sub.outArgs, e.Index)
			return []StreamPayload{chunk([]any{map[string]any{
				"functionCall": map[string]any{"name": name, "args": args},
			}}, "")}, nil
		}
		return nil, nil

	case UsageEvent:
		sub.usage.Merge(e.Usage)
		return nil, nil

	case MessageStop:
		if sub.stopped {
			return nil, nil
		}
		sub.stopped = true
		if e.Usage != nil {
			sub.usage.Merge(*e.Usage)
		}
		reason := e.StopReason
		if reason == StopNone {
			reason = StopEndTurn
		}
		p := chunk(nil, stopOut(geminiStopOut, reason, "STOP"))
		p.Data["usageMetadata"] = geminiUsageOut(&sub.usage)
		return []StreamPayload{p}, nil

	case ErrorEvent:
		return []StreamPayload{{Data: n.ErrorFromInternal(e.Err)}}, nil
	}
	return nil, nil
}

func (n *geminiNormalizer) ErrorToInternal(body map[string]any) *UpstreamError {
	em := getMap(body, "error")
	if em == nil {
		return nil
	}
	status := getString(em, "status")
	typ, ok := geminiErrorIn[status]
	if !ok {
		typ = ErrUnknown
	}
	code := status
	if code == "" {
		code = strconv.Itoa(getInt(em, "code"))
	}
	return &UpstreamError{Type: typ, Message: getString(em, "message"), Code: code}
}

func (n *geminiNormalizer) ErrorFromInternal(err *UpstreamError) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    geminiErrorStatusCode[err.Type],
			"message": err.Message,
			"status":  geminiErrorOut[err.Type],
		},
	}
}

func geminiUsageIn(u map[string]any) *Usage {
	usage := &Usage{
		InputTokens:     getInt(u, "promptTokenCount"),
		OutputTokens:    getInt(u, "candidatesTokenCount"),
		TotalTokens:     getInt(u, "totalTokenCount"),
		CacheReadTokens: getInt(u, "cachedContentTokenCount"),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return usage
}

func geminiUsageOut(u *Usage) map[string]any {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	out := map[string]any{
		"promptTokenCount":     u.InputTokens,
		"candidatesTokenCount": u.OutputTokens,
		"totalTokenCount":      total,
	}
	if u.CacheReadTokens > 0 {
		out["cachedContentTokenCount"] = u.CacheReadTokens
	}
	return out
}

func geminiToolID(name string, seq int) string {
	if name == "" {
		name = "tool"
	}
	return "call_" + name + "_" + strconv.Itoa(seq)
}

func geminiPartsText(parts []any) string {
	out := ""
	for _, raw := range parts {
		if pm, ok := raw.(map[string]any); ok {
			if t := getString(pm, "text"); t != "" {
				if out != "" {
					out += "\n"
				}
				out += t
			}
		}
	}
	return out
}

func geminiPartIn(pm map[string]any, toolSeq *int) Block {
	if text, ok := pm["text"].(string); ok {
		return TextBlock{Text: text}
	}
	if inline := getMap(pm, "inlineData"); inline != nil {
		return ImageBlock{Data: getString(inline, "data"), MediaType: getString(inline, "mimeType")}
	}
	if file := getMap(pm, "fileData"); file != nil {
		return ImageBlock{URL: getString(file, "fileUri"), MediaType: getString(file, "mimeType")}
	}
	if fc := getMap(pm, "functionCall"); fc != nil {
		id := geminiToolID(getString(fc, "name"), *toolSeq)
		*toolSeq++
		return ToolUseBlock{ID: id, Name: getString(fc, "name"), Input: getMap(fc, "args")}
	}
	if fr := getMap(pm, "functionResponse"); fr != nil {
		return ToolResultBlock{
			ToolUseID: getString(fr, "name"),
			Output:    fr["response"],
		}
	}
	if len(pm) == 0 {
		return nil
	}
	raw := "unknown"
	for k := range pm {
		raw = k
		break
	}
	return UnknownBlock{RawType: raw, Payload: pm}
}

func geminiPartOut(b Block) (map[string]any, error) {
	switch v := b.(type) {
	case TextBlock:
		return map[string]any{"text": v.Text}, nil
	case ImageBlock:
		if v.URL != "" {
			return map[string]any{"fileData": map[string]any{"fileUri": v.URL, "mimeType": v.MediaType}}, nil
		}
		return map[string]any{"inlineData": map[string]any{"mimeType": v.MediaType, "data": v.Data}}, nil
	case ToolUseBlock:
		return map[string]any{"functionCall": map[string]any{
			"name": v.Name,
			"args": orEmptyObject(v.Input),
		}}, nil
	case ToolResultBlock:
		response, ok := v.Output.(map[string]any)
		if !ok {
			result := any(v.ContentText)
			if v.Output != nil {
				result = v.Output
			}
			response = map[string]any{"result": result}
		}
		name := v.ToolUseID
		// ids synthesized from Gemini calls carry the function name
		if rest, found := strings.CutPrefix(name, "call_"); found {
			if i := strings.LastIndex(rest, "_"); i > 0 {
				name = rest[:i]
			}
		}
		return map[string]any{"functionResponse": map[string]any{
			"name":     name,
			"response": response,
		}}, nil
	}
	return nil, convErr(apiformat.FormatUnknown, apiformat.Gemini, "unsupported block type %s", b.Kind())
}

