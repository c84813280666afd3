package agent

import "time"

// Event is one entry in the agent's observability stream. Type is a
// stable discriminator from pkg/protocol; the remaining fields are
// populated per event kind.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"` // UTC

	Task       string `json:"task,omitempty"`        // agent_started
	ToolName   string `json:"tool_name,omitempty"`   // tool call events
	ToolUseID  string `json:"tool_use_id,omitempty"` // tool call events
	IsError    bool   `json:"is_error,omitempty"`    // agent_tool_call_completed
	DurationMs int64  `json:"duration_ms,omitempty"` // agent_tool_call_completed, agent_completed
	Role       string `json:"role,omitempty"`        // agent_message_added
	Outcome    string `json:"outcome,omitempty"`     // agent_completed
	Error      string `json:"error,omitempty"`       // agent_error
	Iteration  int    `json:"iteration,omitempty"`
}

func newEvent(kind string) Event {
	return Event{Type: kind, Timestamp: time.Now().UTC()}
}

// eventStream buffers events for the live Events() channel. Emission never
// blocks the loop: if a consumer falls behind the buffer, events are
// dropped. The channel is the only event sink; there is no event callback.
type eventStream struct {
	ch chan Event
}

func newEventStream() *eventStream {
	return &eventStream{ch: make(chan Event, 256)}
}

func (s *eventStream) emit(e Event) {
	select {
	case s.ch <- e:
	default:
	}
}
