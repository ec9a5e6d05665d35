package codec

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

// StreamPayload is one dialect-side stream frame ready for SSE
// serialization. Event carries the SSE event name for dialects that
// use named events; it is empty for bare data frames.
type StreamPayload struct {
	Event string
	Data  map[string]any
}

// Normalizer converts one dialect to and from the canonical form. A
// normalizer is registered once per data format; CLI variants resolve
// to the same normalizer as their base when they share a body shape.
type Normalizer interface {
	DataFormatID() string
	Format() apiformat.Format

	RequestToInternal(body map[string]any) (*Request, error)
	RequestFromInternal(r *Request) (map[string]any, error)

	ResponseToInternal(body map[string]any) (*Response, error)
	ResponseFromInternal(r *Response) (map[string]any, error)

	// StreamToInternal maps one parsed SSE frame into zero or more
	// canonical events. eventName is the SSE event field, empty for
	// dialects that frame data-only.
	StreamToInternal(payload map[string]any, eventName string, st *StreamState) ([]StreamEvent, error)

	// StreamFromInternal renders one canonical event as zero or more
	// dialect frames.
	StreamFromInternal(ev StreamEvent, st *StreamState) ([]StreamPayload, error)

	// ErrorToInternal inspects a body for the dialect's error
	// envelope and returns nil when the body is not an error.
	ErrorToInternal(body map[string]any) *UpstreamError

	ErrorFromInternal(err *UpstreamError) map[string]any
}

// Registry holds the normalizers and drives hub-and-spoke conversion.
// It is populated once at startup and read-only afterwards.
type Registry struct {
	log  *slog.Logger
	byID map[string]Normalizer

	warnMu  sync.Mutex
	warned  map[string]bool
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:    log,
		byID:   make(map[string]Normalizer),
		warned: make(map[string]bool),
	}
}

// NewDefaultRegistry returns a registry with all four dialect
// normalizers installed.
func NewDefaultRegistry(log *slog.Logger) *Registry {
	r := NewRegistry(log)
	r.Register(newClaudeNormalizer())
	r.Register(newOpenAIChatNormalizer())
	r.Register(newOpenAIResponsesNormalizer())
	r.Register(newGeminiNormalizer())
	return r
}

func (r *Registry) Register(n Normalizer) {
	r.byID[n.DataFormatID()] = n
}

func (r *Registry) normalizerFor(f apiformat.Format) (Normalizer, bool) {
	n, ok := r.byID[apiformat.DataFormatID(f)]
	return n, ok
}

// CanConvert reports whether a full request+response (and stream, when
// required) conversion path exists between the two formats.
func (r *Registry) CanConvert(from, to apiformat.Format, requireStream bool) bool {
	if apiformat.CanPassthrough(from, to) {
		return true
	}
	_, okFrom := r.normalizerFor(from)
	_, okTo := r.normalizerFor(to)
	_ = requireStream // every installed normalizer is stream-capable
	return okFrom && okTo
}

// ConvertRequest rewrites a raw request body from one dialect to
// another. Passthrough pairs return the input unchanged.
func (r *Registry) ConvertRequest(raw []byte, from, to apiformat.Format) ([]byte, error) {
	if apiformat.CanPassthrough(from, to) {
		return raw, nil
	}
	src, dst, err := r.pair(from, to)
	if err != nil {
		return nil, err
	}
	body, err := decodeMap(raw)
	if err != nil {
		return nil, convErr(from, to, "invalid request JSON: %v", err)
	}
	internal, err := src.RequestToInternal(body)
	if err != nil {
		return nil, err
	}
	r.dropUnknownBlocks(internal.Messages, from)
	out, err := dst.RequestFromInternal(internal)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// ConvertResponse rewrites a raw non-stream response body.
func (r *Registry) ConvertResponse(raw []byte, from, to apiformat.Format) ([]byte, error) {
	if apiformat.CanPassthrough(from, to) {
		return raw, nil
	}
	src, dst, err := r.pair(from, to)
	if err != nil {
		return nil, err
	}
	body, err := decodeMap(raw)
	if err != nil {
		return nil, convErr(from, to, "invalid response JSON: %v", err)
	}
	internal, err := src.ResponseToInternal(body)
	if err != nil {
		return nil, err
	}
	internal.Content = r.filterBlocks(internal.Content, from)
	out, err := dst.ResponseFromInternal(internal)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// ConvertStream maps one parsed source SSE frame into target-dialect
// frames. The caller owns st for the lifetime of the attempt.
func (r *Registry) ConvertStream(data []byte, eventName string, from, to apiformat.Format, st *StreamState) ([]StreamPayload, error) {
	src, dst, err := r.pair(from, to)
	if err != nil {
		return nil, err
	}
	payload, err := decodeMap(data)
	if err != nil {
		return nil, convErr(from, to, "invalid stream JSON: %v", err)
	}
	events, err := src.StreamToInternal(payload, eventName, st)
	if err != nil {
		return nil, err
	}
	var out []StreamPayload
	for _, ev := range events {
		if u, ok := ev.(UnknownEvent); ok {
			r.warnDropped("stream:"+u.RawType, from)
			continue
		}
		if _, ok := ev.(MessageStop); ok {
			st.stopEmitted = true
		}
		frames, err := dst.StreamFromInternal(ev, st)
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}
	return out, nil
}

// FinishStream closes a converted stream after the source terminated
// without an explicit stop (the OpenAI [DONE] sentinel).
func (r *Registry) FinishStream(from, to apiformat.Format, st *StreamState) ([]StreamPayload, error) {
	if st.stopEmitted {
		return nil, nil
	}
	_, dst, err := r.pair(from, to)
	if err != nil {
		return nil, err
	}
	st.stopEmitted = true
	reason := st.pendingStop
	if reason == StopNone {
		reason = StopEndTurn
	}
	return dst.StreamFromInternal(MessageStop{StopReason: reason, Usage: st.pendingUsage}, st)
}

// ParseError inspects a raw body for the dialect's error envelope.
// Returns nil when the body is not an error.
func (r *Registry) ParseError(raw []byte, format apiformat.Format) *UpstreamError {
	n, ok := r.normalizerFor(format)
	if !ok {
		return nil
	}
	body, err := decodeMap(raw)
	if err != nil {
		return nil
	}
	return n.ErrorToInternal(body)
}

// RenderError builds the dialect error envelope for err.
func (r *Registry) RenderError(err *UpstreamError, format apiformat.Format) []byte {
	n, ok := r.normalizerFor(format)
	if !ok {
		n = r.byID["openai_chat"]
	}
	out, mErr := json.Marshal(n.ErrorFromInternal(err))
	if mErr != nil {
		return []byte(`{"error":{"message":"internal error"}}`)
	}
	return out
}

// UsesDoneSentinel reports whether the dialect terminates streams with
// the "data: [DONE]" frame.
func (r *Registry) UsesDoneSentinel(format apiformat.Format) bool {
	return apiformat.DataFormatID(format) == "openai_chat"
}

func (r *Registry) pair(from, to apiformat.Format) (Normalizer, Normalizer, error) {
	src, ok := r.normalizerFor(from)
	if !ok {
		return nil, nil, convErr(from, to, "no normalizer for source format")
	}
	dst, ok := r.normalizerFor(to)
	if !ok {
		return nil, nil, convErr(from, to, "no normalizer for target format")
	}
	return src, dst, nil
}

func (r *Registry) filterBlocks(blocks []Block, from apiformat.Format) []Block {
	out := blocks[:0]
	for _, b := range blocks {
		if u, ok := b.(UnknownBlock); ok {
			r.warnDropped("block:"+u.RawType, from)
			continue
		}
		out = append(out, b)
	}
	return out
}

func (r *Registry) dropUnknownBlocks(messages []Message, from apiformat.Format) {
	for i := range messages {
		messages[i].Blocks = r.filterBlocks(messages[i].Blocks, from)
	}
}

// warnDropped logs once per unique raw type per process.
func (r *Registry) warnDropped(key string, from apiformat.Format) {
	r.warnMu.Lock()
	seen := r.warned[key]
	if !seen {
		r.warned[key] = true
	}
	r.warnMu.Unlock()
	if !seen && r.log != nil {
		r.log.Warn("dropping unrecognized content at conversion output",
			slog.String("raw_type", key),
			slog.String("source_format", string(from)))
	}
}

// EncodeSSE renders one payload as a wire SSE frame in the dialect's
// framing convention.
func EncodeSSE(p StreamPayload) []byte {
	data, err := json.Marshal(p.Data)
	if err != nil {
		data = []byte("{}")
	}
	if p.Event != "" {
		return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", p.Event, data)
	}
	return fmt.Appendf(nil, "data: %s\n\n", data)
}
