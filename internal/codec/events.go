package codec

// EventType tags a canonical stream event.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentDelta      EventType = "content_delta"
	EventToolCallDelta     EventType = "tool_call_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageStop       EventType = "message_stop"
	EventUsage             EventType = "usage"
	EventError             EventType = "error"
	EventUnknown           EventType = "unknown"
)

// StreamEvent is one canonical event produced while decoding a dialect
// stream. Dialect normalizers translate their own framing into these
// and back.
type StreamEvent interface {
	EventType() EventType
}

type MessageStart struct {
	MessageID string
	Model     string
	Usage     *Usage
}

func (MessageStart) EventType() EventType { return EventMessageStart }

type ContentBlockStart struct {
	Index     int
	BlockType BlockType
	ToolID    string
	ToolName  string
}

func (ContentBlockStart) EventType() EventType { return EventContentBlockStart }

type ContentDelta struct {
	Index int
	Text  string
}

func (ContentDelta) EventType() EventType { return EventContentDelta }

// ToolCallDelta carries a fragment of the tool-input JSON string.
type ToolCallDelta struct {
	Index      int
	ToolID     string
	InputDelta string
}

func (ToolCallDelta) EventType() EventType { return EventToolCallDelta }

type ContentBlockStop struct {
	Index int
}

func (ContentBlockStop) EventType() EventType { return EventContentBlockStop }

type MessageStop struct {
	StopReason StopReason
	Usage      *Usage
}

func (MessageStop) EventType() EventType { return EventMessageStop }

// UsageEvent reports interim usage without ending the message.
type UsageEvent struct {
	Usage Usage
}

func (UsageEvent) EventType() EventType { return EventUsage }

type ErrorEvent struct {
	Err *UpstreamError
}

func (ErrorEvent) EventType() EventType { return EventError }

type UnknownEvent struct {
	RawType string
	Payload map[string]any
}

func (UnknownEvent) EventType() EventType { return EventUnknown }
