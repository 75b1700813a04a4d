package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names the kind of a message on the wire.
type Event string

const (
	EventRoomState       Event = "room_state"
	EventUserJoined      Event = "user_joined"
	EventUserLeft        Event = "user_left"
	EventStrokeStarted   Event = "stroke_started"
	EventStrokeUpdated   Event = "stroke_updated"
	EventStrokeCompleted Event = "stroke_completed"
	EventStrokeDeleted   Event = "stroke_deleted"
	EventClearCanvas     Event = "clear_canvas"
	EventCanvasCleared   Event = "canvas_cleared"

	// EventStrokesCleared is accepted as an alias of EventCanvasCleared.
	EventStrokesCleared Event = "strokes_cleared"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Message is one of the message kinds below. The set is closed: Encode and
// Decode reject anything else.
type Message interface {
	Event() Event
}

// RoomState is sent once to a connection right after it joins.
type RoomState struct{ Room Room }

type UserJoined struct{ User User }

type UserLeft struct{ UserID string }

// StrokeStarted, StrokeUpdated and StrokeCompleted carry the full point
// sequence of the stroke, never a delta. Receivers replace by stroke id.
type StrokeStarted struct{ Stroke Stroke }

type StrokeUpdated struct{ Stroke Stroke }

type StrokeCompleted struct{ Stroke Stroke }

// StrokeDeleted withdraws a completed stroke; its author sends it on undo.
type StrokeDeleted struct {
	StrokeID string `json:"strokeId"`
}

type ClearCanvas struct{}

type CanvasCleared struct{}

func (RoomState) Event() Event       { return EventRoomState }
func (UserJoined) Event() Event      { return EventUserJoined }
func (UserLeft) Event() Event        { return EventUserLeft }
func (StrokeStarted) Event() Event   { return EventStrokeStarted }
func (StrokeUpdated) Event() Event   { return EventStrokeUpdated }
func (StrokeCompleted) Event() Event { return EventStrokeCompleted }
func (StrokeDeleted) Event() Event   { return EventStrokeDeleted }
func (ClearCanvas) Event() Event     { return EventClearCanvas }
func (CanvasCleared) Event() Event   { return EventCanvasCleared }

type envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode serializes msg as {"event": ..., "data": ...}.
func Encode(msg Message) ([]byte, error) {
	var data any
	switch m := msg.(type) {
	case RoomState:
		data = m.Room
	case UserJoined:
		data = m.User
	case UserLeft:
		data = m.UserID
	case StrokeStarted:
		data = m.Stroke
	case StrokeUpdated:
		data = m.Stroke
	case StrokeCompleted:
		data = m.Stroke
	case StrokeDeleted:
		data = m
	case ClearCanvas, CanvasCleared:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, msg)
	}

	env := envelope{Event: msg.Event()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", env.Event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses a frame and checks the payload against the schema of its
// event. Frames with an unknown event or a malformed payload are rejected.
func Decode(p []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(p, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch env.Event {
	case EventRoomState:
		var room Room
		if err := decodeData(env, &room); err != nil {
			return nil, err
		}
		if room.ID == "" {
			return nil, fmt.Errorf("%w: room_state without room id", ErrInvalidPayload)
		}
		return RoomState{Room: room}, nil

	case EventUserJoined:
		var user User
		if err := decodeData(env, &user); err != nil {
			return nil, err
		}
		if user.ID == "" {
			return nil, fmt.Errorf("%w: user_joined without user id", ErrInvalidPayload)
		}
		return UserJoined{User: user}, nil

	case EventUserLeft:
		var id string
		if err := decodeData(env, &id); err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("%w: user_left without user id", ErrInvalidPayload)
		}
		return UserLeft{UserID: id}, nil

	case EventStrokeStarted, EventStrokeUpdated, EventStrokeCompleted:
		var s Stroke
		if err := decodeData(env, &s); err != nil {
			return nil, err
		}
		if err := ValidateStroke(s); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		switch env.Event {
		case EventStrokeStarted:
			return StrokeStarted{Stroke: s}, nil
		case EventStrokeUpdated:
			return StrokeUpdated{Stroke: s}, nil
		}
		return StrokeCompleted{Stroke: s}, nil

	case EventStrokeDeleted:
		var m StrokeDeleted
		if err := decodeData(env, &m); err != nil {
			return nil, err
		}
		if m.StrokeID == "" {
			return nil, fmt.Errorf("%w: stroke_deleted without stroke id", ErrInvalidPayload)
		}
		return m, nil

	case EventClearCanvas:
		return ClearCanvas{}, nil

	case EventCanvasCleared, EventStrokesCleared:
		return CanvasCleared{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func decodeData(env envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrInvalidPayload, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
	}
	return nil
}

// ValidateStroke checks the invariants every stroke on the wire must hold.
func ValidateStroke(s Stroke) error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: stroke id is required", ErrInvalidPayload)
	case !s.Type.Valid():
		return fmt.Errorf("%w: unknown tool %q", ErrInvalidPayload, s.Type)
	case len(s.Points) == 0:
		return fmt.Errorf("%w: stroke %s has no points", ErrInvalidPayload, s.ID)
	case s.Type.IsShape() && len(s.Points) > 2:
		return fmt.Errorf("%w: %s stroke %s has %d points", ErrInvalidPayload, s.Type, s.ID, len(s.Points))
	case !(s.Width > 0):
		return fmt.Errorf("%w: stroke %s width must be positive", ErrInvalidPayload, s.ID)
	case s.Color == "":
		return fmt.Errorf("%w: stroke %s has no color", ErrInvalidPayload, s.ID)
	}
	return nil
}
