// Package model holds the value types shared by the session core and the
// development hub.
package model

import (
	"strings"
	"time"
)

// Identity is a directory entry. It is replaced wholesale on refresh and never
// mutated in place.
type Identity struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Department  string `json:"department,omitempty"`
	Initials    string `json:"initials,omitempty"`
}

// Name returns the display name, falling back to the username.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Username
}

// Message is immutable once created. ClientID is an optional idempotency key
// set by the sending client; it is empty for messages from older senders.
type Message struct {
	SenderUsername    string    `json:"senderUsername"`
	RecipientUsername string    `json:"recipientUsername"`
	Content           string    `json:"content"`
	SentAt            time.Time `json:"sentAt"`
	ClientID          string    `json:"clientId,omitempty"`
}

// ConversationSummary is one row of GET /conversations.
type ConversationSummary struct {
	Username        string    `json:"username"`
	UnreadCount     int       `json:"unreadCount"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
}

// Key normalizes a username or email for case-insensitive lookups.
func Key(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
