package codec

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

// Read-only sniffing of raw dialect bytes for the passthrough path,
// where bodies are forwarded without structural decoding.

// SniffUsage folds any usage counters found in one raw frame or body
// into u. Works for stream frames and non-stream bodies alike.
func SniffUsage(format apiformat.Format, raw []byte, u *Usage) {
	switch apiformat.DataFormatID(format) {
	case "claude":
		// message_start nests usage under message
		for _, path := range []string{"usage", "message.usage"} {
			if um := gjson.GetBytes(raw, path); um.Exists() {
				u.Merge(Usage{
					InputTokens:      int(um.Get("input_tokens").Int()),
					OutputTokens:     int(um.Get("output_tokens").Int()),
					CacheReadTokens:  int(um.Get("cache_read_input_tokens").Int()),
					CacheWriteTokens: int(um.Get("cache_creation_input_tokens").Int()),
				})
			}
		}
		u.TotalTokens = max(u.TotalTokens, u.InputTokens+u.OutputTokens)
	case "openai_chat", "openai_responses":
		um := gjson.GetBytes(raw, "usage")
		if !um.Exists() {
			um = gjson.GetBytes(raw, "response.usage")
		}
		if um.Exists() {
			u.Merge(Usage{
				InputTokens:     int(um.Get("prompt_tokens").Int() + um.Get("input_tokens").Int()),
				OutputTokens:    int(um.Get("completion_tokens").Int() + um.Get("output_tokens").Int()),
				TotalTokens:     int(um.Get("total_tokens").Int()),
				CacheReadTokens: int(um.Get("prompt_tokens_details.cached_tokens").Int() + um.Get("input_tokens_details.cached_tokens").Int()),
			})
		}
	case "gemini":
		if um := gjson.GetBytes(raw, "usageMetadata"); um.Exists() {
			u.Merge(Usage{
				InputTokens:     int(um.Get("promptTokenCount").Int()),
				OutputTokens:    int(um.Get("candidatesTokenCount").Int()),
				TotalTokens:     int(um.Get("totalTokenCount").Int()),
				CacheReadTokens: int(um.Get("cachedContentTokenCount").Int()),
			})
		}
	}
}

// SniffStopReason returns the canonical stop reason found in one raw
// frame or body, or StopNone.
func SniffStopReason(format apiformat.Format, raw []byte) StopReason {
	switch apiformat.DataFormatID(format) {
	case "claude":
		for _, path := range []string{"delta.stop_reason", "stop_reason", "message.stop_reason"} {
			if v := gjson.GetBytes(raw, path); v.Exists() && v.String() != "" {
				return stopIn(claudeStopIn, v.String())
			}
		}
	case "openai_chat":
		if v := gjson.GetBytes(raw, "choices.0.finish_reason"); v.Exists() && v.String() != "" {
			return stopIn(openaiStopIn, v.String())
		}
	case "openai_responses":
		resp := gjson.GetBytes(raw, "response")
		if !resp.Exists() {
			resp = gjson.ParseBytes(raw)
		}
		if resp.Get("incomplete_details.reason").String() == "max_output_tokens" {
			return StopMaxTokens
		}
		if resp.Get("status").String() == "completed" {
			return StopEndTurn
		}
	case "gemini":
		if v := gjson.GetBytes(raw, "candidates.0.finishReason"); v.Exists() && v.String() != "" {
			return stopIn(geminiStopIn, v.String())
		}
	}
	return StopNone
}

// SniffError detects the dialect's error envelope in raw bytes without
// a full decode. Used by the stream prefetch window where a provider
// returns HTTP 200 with an error body.
func SniffError(format apiformat.Format, raw []byte) *UpstreamError {
	switch apiformat.DataFormatID(format) {
	case "claude":
		if gjson.GetBytes(raw, "type").String() == "error" || gjson.GetBytes(raw, "error.type").Exists() {
			em := gjson.GetBytes(raw, "error")
			typ, ok := claudeErrorIn[em.Get("type").String()]
			if !ok {
				typ = ErrUnknown
			}
			return &UpstreamError{Type: typ, Message: em.Get("message").String(), Code: em.Get("type").String()}
		}
	case "openai_chat", "openai_responses":
		em := gjson.GetBytes(raw, "error")
		if !em.Exists() || em.Type == gjson.Null {
			em = gjson.GetBytes(raw, "response.error")
		}
		if em.Exists() && em.Type != gjson.Null {
			typ, ok := openaiErrorIn[em.Get("type").String()]
			if !ok {
				if t, okCode := openaiErrorIn[em.Get("code").String()]; okCode {
					typ = t
				} else {
					typ = ErrUnknown
				}
			}
			return &UpstreamError{
				Type:    typ,
				Message: em.Get("message").String(),
				Code:    em.Get("code").String(),
				Param:   em.Get("param").String(),
			}
		}
	case "gemini":
		em := gjson.GetBytes(raw, "error")
		if em.Exists() && em.IsObject() {
			status := em.Get("status").String()
			typ, ok := geminiErrorIn[status]
			if !ok {
				typ = ErrUnknown
			}
			return &UpstreamError{Type: typ, Message: em.Get("message").String(), Code: status}
		}
	}
	return nil
}

// RewriteModel patches the model field of a passthrough request body
// when the provider-side model name differs from the client's. Formats
// that carry the model in the URL return the body unchanged.
func RewriteModel(format apiformat.Format, raw []byte, model string) ([]byte, error) {
	def, ok := apiformat.Lookup(format)
	if ok && !def.ModelInBody {
		return raw, nil
	}
	return sjson.SetBytes(raw, "model", model)
}

// StripStreamFlag removes the stream flag from a body headed to a
// format that signals streaming by URL.
func StripStreamFlag(format apiformat.Format, raw []byte) ([]byte, error) {
	def, ok := apiformat.Lookup(format)
	if !ok || def.StreamInBody {
		return raw, nil
	}
	if !gjson.GetBytes(raw, "stream").Exists() {
		return raw, nil
	}
	return sjson.DeleteBytes(raw, "stream")
}
