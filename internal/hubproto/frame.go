// Package hubproto defines the JSON frames exchanged with the hub and the
// typed events decoded from them.
package hubproto

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type FrameType string

const (
	FrameInvoke     FrameType = "invoke"
	FrameCompletion FrameType = "completion"
	FrameEvent      FrameType = "event"
)

// Client-invokable methods.
const (
	MethodGetOnlineUsers = "GetOnlineUsers"
	MethodReportPresence = "ReportPresence"
	MethodSendMessage    = "SendMessage"
	MethodMarkAsRead     = "MarkAsRead"
	MethodStartTyping    = "StartTyping"
	MethodStopTyping     = "StopTyping"
)

// Server-pushed events.
const (
	EventReceiveMessage    = "ReceiveMessage"
	EventMessageSent       = "MessageSent"
	EventUserOnline        = "UserOnline"
	EventUserOffline       = "UserOffline"
	EventUserTyping        = "UserTyping"
	EventUserStoppedTyping = "UserStoppedTyping"
	EventMessagesRead      = "MessagesRead"
	EventPresenceUpdate    = "PresenceUpdate"
)

// Frame is one websocket text message.
type Frame struct {
	Type      FrameType         `json:"type"`
	ID        string            `json:"id,omitempty"`     // invoke/completion correlation
	Target    string            `json:"target,omitempty"` // method or event name
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// NewInvoke builds an invoke frame, marshalling each argument.
func NewInvoke(id, method string, args ...any) (*Frame, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s arguments", method)
	}
	return &Frame{Type: FrameInvoke, ID: id, Target: method, Arguments: raw}, nil
}

// NewEvent builds an event frame.
func NewEvent(name string, args ...any) (*Frame, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s arguments", name)
	}
	return &Frame{Type: FrameEvent, Target: name, Arguments: raw}, nil
}

// NewCompletion builds the reply to an invoke frame. A non-nil err wins over result.
func NewCompletion(id string, result any, err error) (*Frame, error) {
	f := &Frame{Type: FrameCompletion, ID: id}
	if err != nil {
		f.Error = err.Error()
		return f, nil
	}
	if result != nil {
		b, mErr := json.Marshal(result)
		if mErr != nil {
			return nil, errors.Wrap(mErr, "marshal completion result")
		}
		f.Result = b
	}
	return f, nil
}

// Decode parses a single frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}
	switch f.Type {
	case FrameInvoke, FrameCompletion:
		if f.ID == "" {
			return nil, errors.Errorf("%s frame without id", f.Type)
		}
	case FrameEvent:
		if f.Target == "" {
			return nil, errors.New("event frame without target")
		}
	default:
		return nil, errors.Errorf("unknown frame type %q", f.Type)
	}
	return &f, nil
}

// Encode marshals a frame.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Arg unmarshals argument i into v.
func (f *Frame) Arg(i int, v any) error {
	if i >= len(f.Arguments) {
		return errors.Errorf("%s: missing argument %d", f.Target, i)
	}
	if err := json.Unmarshal(f.Arguments[i], v); err != nil {
		return errors.Wrapf(err, "%s: argument %d", f.Target, i)
	}
	return nil
}

func marshalArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
