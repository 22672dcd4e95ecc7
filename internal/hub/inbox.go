package hub

import (
	"sort"

	"github.com/pelusa-v/pelusa-presence/internal/model"
)

// thread is one user's view of a one-to-one conversation.
type thread struct {
	Peer            string
	Messages        []model.Message
	Unread          int
	LastMessage     string
	LastMessageTime int64
}

// inbox maps user -> peer -> thread, both keys lower-cased. Callers hold m.mu.
type inbox map[string]map[string]*thread

func (in inbox) ensure(user, peer string) *thread {
	u := model.Key(user)
	if _, ok := in[u]; !ok {
		in[u] = map[string]*thread{}
	}
	t, ok := in[u][model.Key(peer)]
	if !ok {
		t = &thread{Peer: peer}
		in[u][model.Key(peer)] = t
	}
	return t
}

// record stores msg in both participants' threads. Only the recipient's
// unread counter goes up.
func (in inbox) record(msg model.Message) {
	ts := msg.SentAt.UnixNano()

	out := in.ensure(msg.SenderUsername, msg.RecipientUsername)
	out.Messages = append(out.Messages, msg)
	out.LastMessage, out.LastMessageTime = msg.Content, ts

	if model.Key(msg.SenderUsername) == model.Key(msg.RecipientUsername) {
		return
	}
	incoming := in.ensure(msg.RecipientUsername, msg.SenderUsername)
	incoming.Messages = append(incoming.Messages, msg)
	incoming.LastMessage, incoming.LastMessageTime = msg.Content, ts
	incoming.Unread++
}

func (in inbox) markRead(user, peer string) {
	if t, ok := in[model.Key(user)][model.Key(peer)]; ok {
		t.Unread = 0
	}
}

func (in inbox) summaries(user string) []model.ConversationSummary {
	threads := in[model.Key(user)]
	list := make([]*thread, 0, len(threads))
	for _, t := range threads {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].LastMessageTime > list[j].LastMessageTime })

	out := make([]model.ConversationSummary, 0, len(list))
	for _, t := range list {
		row := model.ConversationSummary{Username: t.Peer, UnreadCount: t.Unread, LastMessage: t.LastMessage}
		if n := len(t.Messages); n > 0 {
			row.LastMessageTime = t.Messages[n-1].SentAt
		}
		out = append(out, row)
	}
	return out
}

// history returns the last limit messages in order; limit <= 0 means all.
func (in inbox) history(user, peer string, limit int) []model.Message {
	t, ok := in[model.Key(user)][model.Key(peer)]
	if !ok {
		return []model.Message{}
	}
	msgs := t.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.Message{}, msgs...)
}
