// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"log"

	"golang.org/x/text/message"

	"soulcare.app/soulchat/internal/chatsync"
	"soulcare.app/soulchat/internal/client"
	"soulcare.app/soulchat/internal/client/event"
)

// channels opens live channels for the synchronizer.
type channels struct {
	c      *client.Client
	logger *log.Logger
	debug  *log.Logger
}

// Open implements chatsync.Dialer.
func (ch channels) Open(conv int64, h func(interface{})) chatsync.Stream {
	return ch.c.Open(conv, newClientHandler(conv, ch.c.Printer(), h, ch.logger, ch.debug))
}

// newClientHandler returns a handler for events that are emitted by a live
// channel.
// Events are logged and then passed on to next.
func newClientHandler(conv int64, p *message.Printer, next func(interface{}), logger, debug *log.Logger) func(interface{}) {
	return func(ev interface{}) {
		switch e := ev.(type) {
		case event.StatusConnecting:
			debug.Print(p.Sprintf("connecting to conversation %d", conv))
		case event.StatusLive:
			if e.Resumed {
				logger.Print(p.Sprintf("reconnected to conversation %d", conv))
			} else {
				debug.Print(p.Sprintf("conversation %d is live", conv))
			}
		case event.StatusReconnecting:
			debug.Print(p.Sprintf("lost conversation %d, retry %d in %v: %v", conv, e.Attempt, e.Delay, e.Err))
		case event.StatusClosed:
			if e.Err != nil {
				logger.Print(p.Sprintf("conversation %d closed: %v", conv, e.Err))
			} else {
				debug.Print(p.Sprintf("conversation %d closed", conv))
			}
		case event.Unauthenticated:
			debug.Print(p.Sprintf("live channel for conversation %d rejected the access token", conv))
		case event.ChatMessage:
			debug.Print(p.Sprintf("received message %d in conversation %d", e.ID, e.Conversation))
		case event.DeleteMessage:
			debug.Print(p.Sprintf("message %d deleted from conversation %d", e.MessageID, e.Conversation))
		default:
			debug.Print(p.Sprintf("unrecognized client event: %T", e))
		}
		next(ev)
	}
}
