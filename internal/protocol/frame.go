// ABOUTME: Wire frames exchanged between hub and agents over one channel per agent.
// ABOUTME: Every frame is a JSON object carrying a "type" discriminant.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types.
const (
	TypeStateUpdate   = "state-update"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeCommand       = "command"
	TypeCommandResult = "command-result"
	TypeError         = "error"
)

// Agent liveness values carried in state-update frames and agent records.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ErrMalformedFrame indicates bytes that could not be decoded as a frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Kind is the classification of an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindStateUpdate
	KindHeartbeat
	KindCommandResult
	KindCommand
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindStateUpdate:
		return "state-update"
	case KindHeartbeat:
		return "heartbeat"
	case KindCommandResult:
		return "command-result"
	case KindCommand:
		return "command"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Frame is the union of all frame shapes. Fields that do not belong to the
// frame's type are left empty and omitted on the wire.
type Frame struct {
	Type string `json:"type"`

	// state-update, command-result
	ID string `json:"id,omitempty"`

	// state-update
	Name       string          `json:"name,omitempty"`
	Status     string          `json:"status,omitempty"`
	LastActive string          `json:"lastActive,omitempty"`
	OS         string          `json:"os,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// command, command-result
	Shell     string `json:"shell,omitempty"`
	Script    string `json:"script,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Result    string `json:"result,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Classify returns the kind of f. A frame with no type but an id is a
// legacy status report and classifies as a state update.
func Classify(f *Frame) Kind {
	switch f.Type {
	case TypeStateUpdate:
		return KindStateUpdate
	case TypePing, TypePong:
		return KindHeartbeat
	case TypeCommandResult:
		return KindCommandResult
	case TypeCommand:
		return KindCommand
	case TypeError:
		return KindError
	case "":
		if f.ID != "" {
			return KindStateUpdate
		}
	}
	return KindUnknown
}

// Decode parses one frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &f, nil
}

// Ping builds a keepalive probe.
func Ping() *Frame {
	return &Frame{Type: TypePing}
}

// Pong builds a keepalive reply.
func Pong() *Frame {
	return &Frame{Type: TypePong}
}

// Command builds a hub-to-agent command frame.
func Command(shell, script, requestID string) *Frame {
	return &Frame{
		Type:      TypeCommand,
		Shell:     shell,
		Script:    script,
		RequestID: requestID,
	}
}

// CommandResult builds an agent-to-hub result frame.
func CommandResult(agentID, requestID, result string) *Frame {
	return &Frame{
		Type:      TypeCommandResult,
		ID:        agentID,
		RequestID: requestID,
		Result:    result,
	}
}

// ProtocolError builds the frame sent before the hub closes a connection.
func ProtocolError(message string) *Frame {
	return &Frame{Type: TypeError, Message: message}
}
