// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package chat contains the conversation and message types shared by the
// transports, the cache, and the synchronizer.
package chat // import "soulcare.app/soulchat/internal/chat"

import (
	"time"
)

// Participant is a user taking part in a conversation.
type Participant struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role,omitempty"`
}

// DisplayName returns the full name of the participant, falling back to the
// username if no full name is set.
func (p Participant) DisplayName() string {
	if p.FullName != "" {
		return p.FullName
	}
	return p.Username
}

// Message is a single chat message.
type Message struct {
	ID           int64       `json:"id"`
	Conversation int64       `json:"conversation"`
	Sender       Participant `json:"sender"`
	Content      string      `json:"content"`
	Timestamp    time.Time   `json:"timestamp"`
	Read         bool        `json:"is_read"`
}

// Before reports whether m was created before o.
// Messages are ordered by timestamp, with ties broken by ID.
func (m Message) Before(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.ID < o.ID
}

// Conversation is the summary of a conversation as shown in the conversation
// list.
type Conversation struct {
	ID          int64       `json:"id"`
	Other       Participant `json:"other_user"`
	LastMessage *Message    `json:"last_message"`
	Unread      int         `json:"unread_count"`
}
