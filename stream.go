package conclave

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventChunk carries an incremental text delta.
	EventChunk StreamEventType = "chunk"
	// EventProgress marks a request lifecycle stage (classified, dispatched).
	EventProgress StreamEventType = "progress"
	// EventAgentComplete signals one dispatched agent has finished.
	EventAgentComplete StreamEventType = "agent_complete"
	// EventError carries a terminal failure; a done event still follows.
	EventError StreamEventType = "error"
	// EventDone is always the final event of a stream, even after
	// cancellation or error.
	EventDone StreamEventType = "done"
)

// Progress stage names emitted by the orchestrator.
const (
	StageClassified = "classified"
	StageDispatched = "dispatched"
)

// StreamEvent is a typed event emitted during streaming. Producers send the
// done event last and then close the channel they were handed.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// Content carries the text delta (chunk only).
	Content string `json:"content,omitempty"`
	// Stage names the lifecycle stage (progress only).
	Stage string `json:"stage,omitempty"`
	// Agent names the specialist involved (agent_complete, some progress).
	Agent string `json:"agent,omitempty"`
	// Confidence accompanies agent_complete.
	Confidence float64 `json:"confidence,omitempty"`
	// Failed marks an agent_complete for a synthetic failure note.
	Failed bool `json:"failed,omitempty"`
	// Code and Message describe the failure (error only).
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	// Cancelled is set on the done event when the stream ended early.
	Cancelled bool `json:"cancelled,omitempty"`
	// Response carries the final result on the done event of a completed run.
	Response *Response `json:"response,omitempty"`
}

// chunkEvent builds an EventChunk.
func chunkEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventChunk, Content: delta}
}

// doneEvent builds the terminal event.
func doneEvent(cancelled bool) StreamEvent {
	return StreamEvent{Type: EventDone, Cancelled: cancelled}
}
