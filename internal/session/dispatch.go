package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pelusa-v/pelusa-presence/internal/hubproto"
	"github.com/pelusa-v/pelusa-presence/internal/transport"
)

func (s *Session) wire() {
	t := s.deps.Transport
	for _, name := range []string{
		hubproto.EventReceiveMessage,
		hubproto.EventMessageSent,
		hubproto.EventUserOnline,
		hubproto.EventUserOffline,
		hubproto.EventUserTyping,
		hubproto.EventUserStoppedTyping,
		hubproto.EventMessagesRead,
		hubproto.EventPresenceUpdate,
	} {
		t.On(name, func(ev hubproto.Event) {
			s.post(func() { s.apply(ev) })
		})
	}
	t.OnStateChange(func(st transport.State) {
		s.subs.emit(Notification{Kind: ConnectionStateChanged, State: st})
	})
	t.OnReconnected(func() {
		s.post(s.reconnected)
	})
	t.OnClose(func(err error) {
		if err == nil {
			return
		}
		log.Error().Err(err).Str("component", "session").Msg("hub connection lost for good")
		s.subs.emit(Notification{Kind: ConnectionLost, State: transport.StateDisconnected, Err: err})
	})
}

// post queues fn for the dispatch loop. It gives up once the session stops.
func (s *Session) post(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.ctx.Done():
	}
}

// loop runs queued event handlers one at a time and fires the periodic tick.
func (s *Session) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.opts.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.queue:
			fn()
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick re-reports self presence and refreshes calendar status. It is skipped,
// not queued, while the hub is not connected.
func (s *Session) tick() {
	if s.deps.Transport.State() != transport.StateConnected {
		log.Debug().Str("component", "session").Msg("presence tick skipped, hub not connected")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
		defer cancel()
		if err := s.reportPresence(ctx); err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("periodic presence report failed")
		}
		s.pollCalendar(ctx)
	}()
}

// reconnected re-reports presence. The online set is only re-fetched when
// resync is enabled; otherwise deltas missed during the outage stay missing
// until later events correct them.
func (s *Session) reconnected() {
	resync := s.opts.ResyncOnlineOnReconnect
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
		defer cancel()
		if resync {
			if err := s.refreshOnline(ctx); err != nil {
				log.Warn().Err(err).Str("component", "session").Msg("online resync failed")
			}
		}
		if err := s.reportPresence(ctx); err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("presence report after reconnect failed")
		}
	}()
}

func (s *Session) apply(ev hubproto.Event) {
	switch e := ev.(type) {
	case hubproto.MessageReceived:
		s.typing.OnRemoteStoppedTyping(e.Message.SenderUsername)
		s.convs.AppendIncoming(e.Message)
		s.subs.emit(Notification{Kind: ConversationsChanged, Username: e.Message.SenderUsername})
	case hubproto.MessageSent:
		if s.convs.AppendOutgoingConfirmed(e.Message) {
			s.subs.emit(Notification{Kind: ConversationsChanged, Username: e.Message.RecipientUsername})
		}
	case hubproto.UserOnline:
		if s.presence.SetOnline(e.Username, true) {
			s.subs.emit(Notification{Kind: PresenceChanged, Username: e.Username})
		}
	case hubproto.UserOffline:
		if s.presence.SetOnline(e.Username, false) {
			s.subs.emit(Notification{Kind: PresenceChanged, Username: e.Username})
		}
	case hubproto.UserTyping:
		s.typing.OnRemoteTyping(e.Username)
	case hubproto.UserStoppedTyping:
		s.typing.OnRemoteStoppedTyping(e.Username)
	case hubproto.MessagesRead:
		s.convs.MarkPeerRead(e.Username)
		s.subs.emit(Notification{Kind: PeerRead, Username: e.Username})
	case hubproto.PresenceUpdated:
		s.presence.RecordUpdate(e.Username, e.Status, e.CalendarStatus, e.Source)
		s.subs.emit(Notification{Kind: PresenceChanged, Username: e.Username})
	default:
		log.Warn().Str("component", "session").Str("event", ev.EventName()).Msg("unhandled hub event")
	}
}
