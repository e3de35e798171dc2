package agent

import "encoding/json"

// Progress event types emitted during a turn. The gateway forwards these
// to WebSocket clients verbatim; channel adapters pick the ones they can
// render.
const (
	EventResponse      = "response"
	EventChunk         = "chunk"
	EventSkillStart    = "skill_start"
	EventSkillComplete = "skill_complete"
	EventSkillError    = "skill_error"
	EventMemory        = "memory"
	EventThinking      = "thinking"
	EventPlanning      = "planning"
	EventTrigger       = "trigger"
	EventFile          = "file"
	EventProactive     = "proactive"
	EventError         = "error"
	EventPong          = "pong"
)

// Event is one progress notification. On the wire it is a flat tagged
// object: the payload keys sit next to "type" at the top level, e.g.
// {"type":"response","content":"...","sessionId":"..."}.
type Event struct {
	Type    string
	Payload map[string]any
}

// MarshalJSON flattens the event into its wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	frame := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		if k == "type" {
			continue
		}
		frame[k] = v
	}
	frame["type"] = e.Type
	return json.Marshal(frame)
}

// UnmarshalJSON reverses the flattening: every key besides "type" lands
// in the payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	e.Type, _ = frame["type"].(string)
	delete(frame, "type")
	if len(frame) > 0 {
		e.Payload = frame
	} else {
		e.Payload = nil
	}
	return nil
}

// ProgressFunc receives turn progress. Callbacks run on the turn
// goroutine and must not block.
type ProgressFunc func(Event)
