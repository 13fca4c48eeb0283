// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package event contains events that may be emitted by the UI.
package event // import "soulcare.app/soulchat/internal/ui/event"

type (
	// SelectConversation is sent when a conversation is opened from the
	// conversation list.
	SelectConversation int64

	// SendMessage is sent when the user submits text in the input field of the
	// open conversation.
	SendMessage string

	// DeleteMessage is sent when the user confirms the deletion of one of their
	// messages.
	DeleteMessage int64

	// Reconnect is sent when the user asks to reopen the live channel of the
	// open conversation.
	Reconnect struct{}

	// Refresh is sent when the user asks to reload the conversation list.
	Refresh struct{}

	// Quit is sent when the user confirms they want to quit.
	Quit struct{}
)
