// Package codec converts request, response and stream bodies between
// the Claude, OpenAI Chat, OpenAI Responses and Gemini wire dialects.
// All conversion is hub-and-spoke through the canonical types defined
// here; there is no direct dialect-to-dialect path.
package codec

import (
	"fmt"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

// Role is the canonical speaker of a message or instruction segment.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleTool      Role = "tool"
	RoleUnknown   Role = "unknown"
)

// BlockType tags a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockUnknown    BlockType = "unknown"
)

// Block is one canonical content block inside a message or response.
type Block interface {
	Kind() BlockType
}

type TextBlock struct {
	Text string
}

func (TextBlock) Kind() BlockType { return BlockText }

// ImageBlock carries either inline base64 data with a media type or a
// URL reference, never both.
type ImageBlock struct {
	Data      string
	MediaType string
	URL       string
}

func (ImageBlock) Kind() BlockType { return BlockImage }

type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

func (ToolUseBlock) Kind() BlockType { return BlockToolUse }

// ToolResultBlock carries a tool's output. Output holds structured
// results, ContentText holds plain text; a dialect may fill either.
type ToolResultBlock struct {
	ToolUseID   string
	Output      any
	ContentText string
	IsError     bool
}

func (ToolResultBlock) Kind() BlockType { return BlockToolResult }

// UnknownBlock preserves content the parser did not recognize. It
// survives on the canonical side and is dropped at output.
type UnknownBlock struct {
	RawType string
	Payload map[string]any
}

func (UnknownBlock) Kind() BlockType { return BlockUnknown }

type Message struct {
	Role   Role
	Blocks []Block
}

// Instruction is one system or developer segment, kept separate from
// messages so dialects that distinguish the two preserve order.
type Instruction struct {
	Role Role
	Text string
}

type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ToolChoiceType string

const (
	ToolChoiceAuto     ToolChoiceType = "auto"
	ToolChoiceNone     ToolChoiceType = "none"
	ToolChoiceRequired ToolChoiceType = "required"
	ToolChoiceTool     ToolChoiceType = "tool"
)

type ToolChoice struct {
	Type     ToolChoiceType
	ToolName string
}

// Request is the canonical request form.
type Request struct {
	Model         string
	Instructions  []Instruction
	Messages      []Message
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
	Stream        bool
	Tools         []ToolDefinition
	ToolChoice    *ToolChoice

	// Extra holds unrecognized top-level fields so same-family
	// round trips do not silently drop them.
	Extra map[string]any
}

// SystemText joins the instruction segments into the single system
// string used by dialects that take a flat system prompt.
func (r *Request) SystemText() string {
	out := ""
	for _, ins := range r.Instructions {
		if ins.Text == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += ins.Text
	}
	return out
}

// StopReason is the canonical completion reason.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopStopSequence    StopReason = "stop_sequence"
	StopToolUse         StopReason = "tool_use"
	StopPauseTurn       StopReason = "pause_turn"
	StopRefusal         StopReason = "refusal"
	StopContentFiltered StopReason = "content_filtered"
	StopUnknown         StopReason = "unknown"
	StopNone            StopReason = ""
)

// Usage is the canonical token accounting.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	TotalTokens      int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Merge folds another observation into u, keeping the maximum of each
// counter. Dialects report usage at different points in a stream and
// later reports may repeat earlier partials.
func (u *Usage) Merge(o Usage) {
	u.InputTokens = max(u.InputTokens, o.InputTokens)
	u.OutputTokens = max(u.OutputTokens, o.OutputTokens)
	u.TotalTokens = max(u.TotalTokens, o.TotalTokens)
	u.CacheReadTokens = max(u.CacheReadTokens, o.CacheReadTokens)
	u.CacheWriteTokens = max(u.CacheWriteTokens, o.CacheWriteTokens)
}

// Response is the canonical non-stream response form.
type Response struct {
	ID         string
	Model      string
	Content    []Block
	StopReason StopReason
	Usage      *Usage
	Extra      map[string]any
}

// ErrorType is the canonical error classification.
type ErrorType string

const (
	ErrInvalidRequest        ErrorType = "invalid_request"
	ErrAuthentication        ErrorType = "authentication"
	ErrPermissionDenied      ErrorType = "permission_denied"
	ErrNotFound              ErrorType = "not_found"
	ErrRateLimit             ErrorType = "rate_limit"
	ErrOverloaded            ErrorType = "overloaded"
	ErrServerError           ErrorType = "server_error"
	ErrContentFiltered       ErrorType = "content_filtered"
	ErrContextLengthExceeded ErrorType = "context_length_exceeded"
	ErrUnknown               ErrorType = "unknown"
)

// UpstreamError is the canonical error body parsed from a provider
// response or an embedded stream error.
type UpstreamError struct {
	Type    ErrorType
	Message string
	Code    string
	Param   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %s: %s", e.Type, e.Message)
}

// Retryable reports whether the error class is worth trying on another
// candidate.
func (e *UpstreamError) Retryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrServerError:
		return true
	}
	return false
}

// ConversionError reports that a body could not be expressed in the
// target dialect. The dispatch loop treats it as a candidate-level
// failure, not a client error, unless no candidate avoids conversion.
type ConversionError struct {
	Source apiformat.Format
	Target apiformat.Format
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("cannot convert %s to %s: %s", e.Source, e.Target, e.Reason)
}

func convErr(source, target apiformat.Format, format string, args ...any) *ConversionError {
	return &ConversionError{Source: source, Target: target, Reason: fmt.Sprintf(format, args...)}
}
