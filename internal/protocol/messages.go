// Package protocol defines the push channel messages between the chat backend and the client.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Actions from client to backend
const (
	ActionHello = "hello"
)

// Actions from backend to client
const (
	ActionHelloAck         = "helloAck"
	ActionStreamCompletion = "streamCompletion"
)

// ActionConnected is never sent on the wire. The push client publishes it
// locally whenever a handshake yields a connection id.
const ActionConnected = "connected"

// ErrMalformed is wrapped by every Decode error caused by the payload shape.
var ErrMalformed = errors.New("malformed push message")

// Event is a decoded push message.
type Event interface {
	Action() string
}

// Hello is sent by the client right after dialing.
type Hello struct{}

// Action implements Event.
func (Hello) Action() string { return ActionHello }

// MarshalJSON writes {"action":"hello"}.
func (h Hello) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action string `json:"action"`
	}{ActionHello})
}

// HelloAck carries the id the backend assigned to this connection. Sends made
// with it get their stream events routed back here.
type HelloAck struct {
	ConnectionID string `json:"connectionId"`
}

// Action implements Event.
func (HelloAck) Action() string { return ActionHelloAck }

// MarshalJSON writes the ack with its action tag.
func (a HelloAck) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action       string `json:"action"`
		ConnectionID string `json:"connectionId"`
	}{ActionHelloAck, a.ConnectionID})
}

// StreamCompletion is one chunk, or the terminal marker, of an assistant reply.
type StreamCompletion struct {
	StreamID       string `json:"streamId"`
	ConversationID string `json:"conversationId,omitempty"`
	Chunk          string `json:"chunk,omitempty"`
	Stop           bool   `json:"stop,omitempty"`
}

// Action implements Event.
func (StreamCompletion) Action() string { return ActionStreamCompletion }

// MarshalJSON writes the event with its action tag.
func (s StreamCompletion) MarshalJSON() ([]byte, error) {
	type alias StreamCompletion
	return json.Marshal(struct {
		Action string `json:"action"`
		alias
	}{ActionStreamCompletion, alias(s)})
}

// Connected announces a fresh connection id after a successful handshake.
type Connected struct {
	ConnectionID string
	// Reconnect is false for the first handshake of a push client.
	Reconnect bool
}

// Action implements Event.
func (Connected) Action() string { return ActionConnected }

// Decode parses one push frame. Every known field is type checked; a field of
// the wrong JSON type is an error rather than a zero value.
func Decode(data []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	action, _, err := stringField(fields, "action")
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionHello:
		return Hello{}, nil

	case ActionHelloAck:
		id, ok, err := stringField(fields, "connectionId")
		if err != nil {
			return nil, err
		}
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: helloAck without connectionId", ErrMalformed)
		}
		return HelloAck{ConnectionID: id}, nil

	case ActionStreamCompletion:
		var ev StreamCompletion
		var ok bool
		if ev.StreamID, ok, err = stringField(fields, "streamId"); err != nil {
			return nil, err
		}
		if !ok || ev.StreamID == "" {
			return nil, fmt.Errorf("%w: streamCompletion without streamId", ErrMalformed)
		}
		if ev.ConversationID, _, err = stringField(fields, "conversationId"); err != nil {
			return nil, err
		}
		if ev.Chunk, _, err = stringField(fields, "chunk"); err != nil {
			return nil, err
		}
		if ev.Stop, err = boolField(fields, "stop"); err != nil {
			return nil, err
		}
		return ev, nil

	case "":
		return nil, fmt.Errorf("%w: missing action", ErrMalformed)

	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformed, action)
	}
}

// stringField reads an optional string. JSON null counts as absent.
func stringField(fields map[string]json.RawMessage, name string) (string, bool, error) {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, fmt.Errorf("%w: field %s must be a string", ErrMalformed, name)
	}
	return s, true, nil
}

func boolField(fields map[string]json.RawMessage, name string) (bool, error) {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("%w: field %s must be a boolean", ErrMalformed, name)
	}
	return b, nil
}
