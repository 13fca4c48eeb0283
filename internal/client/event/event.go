// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package event contains events that may be emitted by a live channel.
//
// Every event is delivered from a single goroutine per channel, in the order
// the underlying frames were received.
package event // import "soulcare.app/soulchat/internal/client/event"

import (
	"time"

	"soulcare.app/soulchat/internal/chat"
)

type (
	// StatusConnecting is sent when the channel starts dialing for the first
	// time.
	StatusConnecting struct {
		Conversation int64
	}

	// StatusLive is sent when the channel is open and delivering events.
	// Resumed is true if the channel had been live before and has reconnected,
	// in which case messages may have been missed while it was down.
	StatusLive struct {
		Conversation int64
		Resumed      bool
	}

	// StatusReconnecting is sent after a transport error when the channel is
	// going to dial again after Delay.
	StatusReconnecting struct {
		Conversation int64
		Attempt      int
		Delay        time.Duration
		Err          error
	}

	// StatusClosed is sent exactly once when the channel stops for good.
	// Err is nil if the channel was closed on purpose.
	StatusClosed struct {
		Conversation int64
		Err          error
	}

	// Unauthenticated is sent when the server rejects the access token.
	// It is always followed by StatusClosed.
	Unauthenticated struct {
		Conversation int64
		Err          error
	}

	// ChatMessage is sent when a new message is pushed by the server,
	// including the echo of a message sent by the local user.
	ChatMessage chat.Message

	// DeleteMessage is sent when a message was deleted by its sender.
	DeleteMessage struct {
		Conversation int64
		MessageID    int64
	}
)
