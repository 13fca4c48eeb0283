// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/text/message"

	"soulcare.app/soulchat/internal/chatsync"
	"soulcare.app/soulchat/internal/ui/event"
)

// newUIHandler returns a handler for events that are emitted by the UI that
// need to modify the synchronized state.
func newUIHandler(s *chatsync.Sync, p *message.Printer, timeout time.Duration, quit func(), logger, debug *log.Logger) func(interface{}) {
	return func(ev interface{}) {
		switch e := ev.(type) {
		case event.SelectConversation:
			s.SelectConversation(int64(e))
		case event.SendMessage:
			go func() {
				defer panicHandler()
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				if err := s.SendMessage(ctx, string(e)); err != nil {
					logger.Print(p.Sprintf("error sending message: %v", err))
				}
			}()
		case event.DeleteMessage:
			go func() {
				defer panicHandler()
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				err := s.DeleteMessage(ctx, int64(e))
				switch {
				case errors.Is(err, chatsync.ErrNotAuthor):
					logger.Print(p.Sprintf("only your own messages can be deleted"))
				case err != nil:
					logger.Print(p.Sprintf("error deleting message %d: %v", int64(e), err))
				}
			}()
		case event.Reconnect:
			s.Reconnect()
		case event.Refresh:
			go func() {
				defer panicHandler()
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				if err := s.Refresh(ctx); err != nil {
					logger.Print(p.Sprintf("error refreshing conversations: %v", err))
				}
			}()
		case event.Quit:
			quit()
		default:
			debug.Print(p.Sprintf("unrecognized ui event: %T", e))
		}
	}
}
