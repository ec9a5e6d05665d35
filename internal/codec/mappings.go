package codec

// Per-dialect field value tables. Normalizers own the structural
// mapping; these tables centralize the flat enum translations so a new
// value lands in one place.

var claudeStopOut = map[StopReason]string{
	StopEndTurn:         "end_turn",
	StopMaxTokens:       "max_tokens",
	StopStopSequence:    "stop_sequence",
	StopToolUse:         "tool_use",
	StopPauseTurn:       "pause_turn",
	StopRefusal:         "refusal",
	StopContentFiltered: "end_turn",
	StopUnknown:         "end_turn",
}

var claudeStopIn = map[string]StopReason{
	"end_turn":      StopEndTurn,
	"max_tokens":    StopMaxTokens,
	"stop_sequence": StopStopSequence,
	"tool_use":      StopToolUse,
	"pause_turn":    StopPauseTurn,
	"refusal":       StopRefusal,
}

var openaiStopOut = map[StopReason]string{
	StopEndTurn:         "stop",
	StopMaxTokens:       "length",
	StopStopSequence:    "stop",
	StopToolUse:         "tool_calls",
	StopPauseTurn:       "stop",
	StopRefusal:         "content_filter",
	StopContentFiltered: "content_filter",
	StopUnknown:         "stop",
}

var openaiStopIn = map[string]StopReason{
	"stop":           StopEndTurn,
	"length":         StopMaxTokens,
	"tool_calls":     StopToolUse,
	"function_call":  StopToolUse,
	"content_filter": StopContentFiltered,
}

var geminiStopOut = map[StopReason]string{
	StopEndTurn:         "STOP",
	StopMaxTokens:       "MAX_TOKENS",
	StopStopSequence:    "STOP",
	StopToolUse:         "STOP",
	StopPauseTurn:       "STOP",
	StopRefusal:         "SAFETY",
	StopContentFiltered: "SAFETY",
	StopUnknown:         "OTHER",
}

var geminiStopIn = map[string]StopReason{
	"STOP":       StopEndTurn,
	"MAX_TOKENS": StopMaxTokens,
	"SAFETY":     StopContentFiltered,
	"RECITATION": StopContentFiltered,
	"OTHER":      StopUnknown,
}

func stopOut(table map[StopReason]string, r StopReason, fallback string) string {
	if v, ok := table[r]; ok {
		return v
	}
	return fallback
}

func stopIn(table map[string]StopReason, v string) StopReason {
	if r, ok := table[v]; ok {
		return r
	}
	if v == "" {
		return StopNone
	}
	return StopUnknown
}

var claudeErrorIn = map[string]ErrorType{
	"invalid_request_error": ErrInvalidRequest,
	"authentication_error":  ErrAuthentication,
	"permission_error":      ErrPermissionDenied,
	"not_found_error":       ErrNotFound,
	"rate_limit_error":      ErrRateLimit,
	"timeout_error":         ErrServerError,
	"overloaded_error":      ErrOverloaded,
	"billing_error":         ErrPermissionDenied,
	"api_error":             ErrServerError,
}

var claudeErrorOut = map[ErrorType]string{
	ErrInvalidRequest:        "invalid_request_error",
	ErrAuthentication:        "authentication_error",
	ErrPermissionDenied:      "permission_error",
	ErrNotFound:              "not_found_error",
	ErrRateLimit:             "rate_limit_error",
	ErrOverloaded:            "overloaded_error",
	ErrServerError:           "api_error",
	ErrContentFiltered:       "invalid_request_error",
	ErrContextLengthExceeded: "invalid_request_error",
	ErrUnknown:               "api_error",
}

var openaiErrorIn = map[string]ErrorType{
	"invalid_request_error":    ErrInvalidRequest,
	"invalid_api_key":          ErrAuthentication,
	"authentication_error":     ErrAuthentication,
	"insufficient_quota":       ErrRateLimit,
	"rate_limit_exceeded":      ErrRateLimit,
	"rate_limit_error":         ErrRateLimit,
	"server_error":             ErrServerError,
	"context_length_exceeded":  ErrContextLengthExceeded,
	"content_policy_violation": ErrContentFiltered,
}

var openaiErrorOut = map[ErrorType]string{
	ErrInvalidRequest:        "invalid_request_error",
	ErrAuthentication:        "authentication_error",
	ErrPermissionDenied:      "invalid_request_error",
	ErrNotFound:              "invalid_request_error",
	ErrRateLimit:             "rate_limit_exceeded",
	ErrOverloaded:            "server_error",
	ErrServerError:           "server_error",
	ErrContentFiltered:       "content_policy_violation",
	ErrContextLengthExceeded: "context_length_exceeded",
	ErrUnknown:               "server_error",
}

var geminiErrorIn = map[string]ErrorType{
	"INVALID_ARGUMENT":   ErrInvalidRequest,
	"FAILED_PRECONDITION": ErrInvalidRequest,
	"UNAUTHENTICATED":    ErrAuthentication,
	"PERMISSION_DENIED":  ErrPermissionDenied,
	"NOT_FOUND":          ErrNotFound,
	"RESOURCE_EXHAUSTED": ErrRateLimit,
	"INTERNAL":           ErrServerError,
	"UNAVAILABLE":        ErrOverloaded,
	"DEADLINE_EXCEEDED":  ErrServerError,
}

var geminiErrorOut = map[ErrorType]string{
	ErrInvalidRequest:        "INVALID_ARGUMENT",
	ErrAuthentication:        "UNAUTHENTICATED",
	ErrPermissionDenied:      "PERMISSION_DENIED",
	ErrNotFound:              "NOT_FOUND",
	ErrRateLimit:             "RESOURCE_EXHAUSTED",
	ErrOverloaded:            "UNAVAILABLE",
	ErrServerError:           "INTERNAL",
	ErrContentFiltered:       "INVALID_ARGUMENT",
	ErrContextLengthExceeded: "INVALID_ARGUMENT",
	ErrUnknown:               "INTERNAL",
}

// geminiErrorStatusCode maps canonical error types to google.rpc
// status codes for outgoing Gemini error envelopes.
var geminiErrorStatusCode = map[ErrorType]int{
	ErrInvalidRequest:        400,
	ErrAuthentication:        401,
	ErrPermissionDenied:      403,
	ErrNotFound:              404,
	ErrRateLimit:             429,
	ErrOverloaded:            503,
	ErrServerError:           500,
	ErrContentFiltered:       400,
	ErrContextLengthExceeded: 400,
	ErrUnknown:               500,
}
