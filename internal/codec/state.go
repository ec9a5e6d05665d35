package codec

// StreamState carries conversion context across the chunks of one
// stream. Each normalizer reads and writes only its own substate so
// the source and target sides of a conversion never collide. One
// StreamState belongs to exactly one dispatch attempt.
type StreamState struct {
	Model     string
	MessageID string

	stopEmitted  bool
	pendingStop  StopReason
	pendingUsage *Usage
	byFormat     map[string]any
}

// NewStreamState returns an empty state for one attempt.
func NewStreamState() *StreamState {
	return &StreamState{byFormat: make(map[string]any)}
}

// Reset clears the state for a retry on another candidate.
func (s *StreamState) Reset() {
	s.Model = ""
	s.MessageID = ""
	s.stopEmitted = false
	s.pendingStop = StopNone
	s.pendingUsage = nil
	s.byFormat = make(map[string]any)
}

// substate returns the typed per-format state under key, allocating it
// on first use.
func substate[T any](s *StreamState, key string) *T {
	if s.byFormat == nil {
		s.byFormat = make(map[string]any)
	}
	if v, ok := s.byFormat[key]; ok {
		return v.(*T)
	}
	v := new(T)
	s.byFormat[key] = v
	return v
}
