package hubproto

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/pelusa-v/pelusa-presence/internal/errs"
	"github.com/pelusa-v/pelusa-presence/internal/model"
)

// Event is one decoded server push. Each hub event name maps to exactly one
// concrete type below.
type Event interface {
	EventName() string
}

type MessageReceived struct{ Message model.Message }
type MessageSent struct{ Message model.Message }
type UserOnline struct{ Username string }
type UserOffline struct{ Username string }
type UserTyping struct{ Username string }
type UserStoppedTyping struct{ Username string }
type MessagesRead struct{ Username string }

type PresenceUpdated struct {
	Username       string
	Source         string
	Status         string
	CalendarStatus string
}

func (MessageReceived) EventName() string   { return EventReceiveMessage }
func (MessageSent) EventName() string       { return EventMessageSent }
func (UserOnline) EventName() string        { return EventUserOnline }
func (UserOffline) EventName() string       { return EventUserOffline }
func (UserTyping) EventName() string        { return EventUserTyping }
func (UserStoppedTyping) EventName() string { return EventUserStoppedTyping }
func (MessagesRead) EventName() string      { return EventMessagesRead }
func (PresenceUpdated) EventName() string   { return EventPresenceUpdate }

// DecodeEvent validates an event frame and returns its typed variant. Every
// shape failure wraps errs.ErrInvalidEvent.
func DecodeEvent(f *Frame) (Event, error) {
	if f == nil || f.Type != FrameEvent {
		return nil, errors.Wrap(errs.ErrInvalidEvent, "not an event frame")
	}
	switch f.Target {
	case EventReceiveMessage, EventMessageSent:
		msg, err := messageArg(f)
		if err != nil {
			return nil, err
		}
		if f.Target == EventReceiveMessage {
			return MessageReceived{Message: msg}, nil
		}
		return MessageSent{Message: msg}, nil

	case EventUserOnline, EventUserOffline, EventUserTyping, EventUserStoppedTyping, EventMessagesRead:
		username, err := usernameArg(f)
		if err != nil {
			return nil, err
		}
		switch f.Target {
		case EventUserOnline:
			return UserOnline{Username: username}, nil
		case EventUserOffline:
			return UserOffline{Username: username}, nil
		case EventUserTyping:
			return UserTyping{Username: username}, nil
		case EventUserStoppedTyping:
			return UserStoppedTyping{Username: username}, nil
		default:
			return MessagesRead{Username: username}, nil
		}

	case EventPresenceUpdate:
		if len(f.Arguments) < 3 || len(f.Arguments) > 4 {
			return nil, invalid(f, "expected 3 or 4 arguments, got %d", len(f.Arguments))
		}
		var p PresenceUpdated
		if err := f.Arg(0, &p.Username); err != nil {
			return nil, invalid(f, "%v", err)
		}
		if err := f.Arg(1, &p.Source); err != nil {
			return nil, invalid(f, "%v", err)
		}
		if err := f.Arg(2, &p.Status); err != nil {
			return nil, invalid(f, "%v", err)
		}
		if len(f.Arguments) == 4 && string(f.Arguments[3]) != "null" {
			if err := f.Arg(3, &p.CalendarStatus); err != nil {
				return nil, invalid(f, "%v", err)
			}
		}
		if strings.TrimSpace(p.Username) == "" {
			return nil, invalid(f, "empty username")
		}
		return p, nil
	}
	return nil, invalid(f, "unknown event")
}

func usernameArg(f *Frame) (string, error) {
	if len(f.Arguments) != 1 {
		return "", invalid(f, "expected 1 argument, got %d", len(f.Arguments))
	}
	var username string
	if err := f.Arg(0, &username); err != nil {
		return "", invalid(f, "%v", err)
	}
	if strings.TrimSpace(username) == "" {
		return "", invalid(f, "empty username")
	}
	return username, nil
}

func messageArg(f *Frame) (model.Message, error) {
	var msg model.Message
	if len(f.Arguments) != 1 {
		return msg, invalid(f, "expected 1 argument, got %d", len(f.Arguments))
	}
	if err := f.Arg(0, &msg); err != nil {
		return msg, invalid(f, "%v", err)
	}
	if msg.SenderUsername == "" || msg.RecipientUsername == "" {
		return msg, invalid(f, "message without sender or recipient")
	}
	return msg, nil
}

func invalid(f *Frame, format string, args ...any) error {
	return errors.Wrapf(errs.ErrInvalidEvent, "%s: "+format, append([]any{f.Target}, args...)...)
}
