// Package stream carries progress events from agents to the connection that
// owns the current turn.
package stream

import "encoding/json"

// EventType tags an Event.
type EventType string

const (
	TypeReasoning EventType = "reasoning"
	TypeChunk     EventType = "chunk"
	TypeChart     EventType = "chart"
	TypeHandoff   EventType = "handoff"
	TypeDone      EventType = "done"
	TypeError     EventType = "error"
)

// Event is a single progress notification.
//
// Wire shapes:
//
//	{"type":"reasoning","data":"...","agent":"research_agent"}
//	{"type":"chunk","data":"..."}
//	{"type":"chart","data":"/charts/x.png"}
//	{"type":"handoff","data":"..."}
//	{"type":"done"}
//	{"type":"error","message":"..."}
type Event struct {
	Type    EventType
	Agent   string
	Data    string
	Message string
}

// Reasoning is intermediate model or agent output attributed to agent.
func Reasoning(agent, text string) Event {
	return Event{Type: TypeReasoning, Agent: agent, Data: text}
}

// Chunk is a fragment of the coordinator's user-facing answer.
func Chunk(text string) Event {
	return Event{Type: TypeChunk, Data: text}
}

// Chart announces a rendered chart at url.
func Chart(url string) Event {
	return Event{Type: TypeChart, Data: url}
}

// Handoff asks the user a question mid-turn.
func Handoff(question string) Event {
	return Event{Type: TypeHandoff, Data: question}
}

// Done terminates a successful turn.
func Done() Event {
	return Event{Type: TypeDone}
}

// Failure terminates a failed turn.
func Failure(message string) Event {
	return Event{Type: TypeError, Message: message}
}

// Terminal reports whether e ends a turn.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// MarshalJSON encodes the event in its transport shape.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeReasoning:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Data  string    `json:"data"`
			Agent string    `json:"agent"`
		}{e.Type, e.Data, e.Agent})
	case TypeDone:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	case TypeError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
		}{e.Type, e.Message})
	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Data string    `json:"data"`
		}{e.Type, e.Data})
	}
}

// UnmarshalJSON decodes any transport shape back into an Event.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type    EventType `json:"type"`
		Data    string    `json:"data"`
		Agent   string    `json:"agent"`
		Message string    `json:"message"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Event{Type: raw.Type, Agent: raw.Agent, Data: raw.Data, Message: raw.Message}
	return nil
}
