// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package chatsync

import (
	"context"
	"errors"
	"slices"
	"sort"

	"soulcare.app/soulchat/internal/chat"
	"soulcare.app/soulchat/internal/client/event"
	"soulcare.app/soulchat/internal/localerr"
	"soulcare.app/soulchat/internal/session"
)

// handle applies an event from the live channel opened for gen.
// Events from a channel that has been superseded are dropped.
func (s *Sync) handle(gen uint64, ev interface{}) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}

	var (
		cached   *chat.Message
		uncached int64
		catchUp  context.Context
		conv     = s.selected
		unauth   error
	)
	switch e := ev.(type) {
	case event.StatusConnecting:
		s.status = Connecting
	case event.StatusLive:
		s.status = Live
		s.attempt = 0
		s.statusErr = nil
		if e.Resumed {
			catchUp = s.fetchCtx
		}
	case event.StatusReconnecting:
		s.status = Reconnecting
		s.attempt = e.Attempt
		s.statusErr = localerr.Wrap(s.p, localerr.Channel, "connection lost, reconnecting in %v: %v", e.Delay, e.Err)
	case event.StatusClosed:
		s.status = Closed
		switch {
		case s.statusErr != nil && localerr.KindOf(s.statusErr) == localerr.Unauthenticated:
			// Keep the rejection reported just before the close.
		case errors.Is(e.Err, session.ErrUnauthenticated):
			s.statusErr = localerr.Wrap(s.p, localerr.Unauthenticated, "live updates rejected: %v", e.Err)
		case e.Err != nil:
			s.statusErr = localerr.Wrap(s.p, localerr.Channel, "live updates stopped: %v", e.Err)
		default:
			s.statusErr = nil
		}
	case event.Unauthenticated:
		s.statusErr = localerr.Wrap(s.p, localerr.Unauthenticated, "live updates rejected: %v", e.Err)
		unauth = e.Err
	case event.ChatMessage:
		m := chat.Message(e)
		if !s.receiveLocked(m) {
			s.mu.Unlock()
			return
		}
		cached = &m
	case event.DeleteMessage:
		s.removeLocked(e.MessageID)
		uncached = e.MessageID
	default:
		s.mu.Unlock()
		s.debug.Print(s.p.Sprintf("ignoring unknown live event %T", ev))
		return
	}
	s.mu.Unlock()
	s.changed()

	if catchUp != nil {
		go s.fetchHistory(catchUp, gen, conv)
	}
	if unauth != nil {
		s.unauthenticated(unauth)
	}
	if s.cache != nil {
		ctx := context.Background()
		if cached != nil {
			s.cacheMu.Lock()
			if err := s.cache.InsertMessage(ctx, *cached); err != nil {
				s.debug.Print(s.p.Sprintf("error caching message %d: %v", cached.ID, err))
			}
			s.cacheMu.Unlock()
		}
		if uncached != 0 {
			s.uncache(ctx, uncached)
		}
	}
}

// receiveLocked applies a live message and reports whether it was accepted.
func (s *Sync) receiveLocked(m chat.Message) bool {
	if _, ok := s.tombstones[m.ID]; ok {
		return false
	}
	i := s.indexOf(m.Conversation)
	if m.Conversation == s.selected {
		delete(s.provisional, m.ID)
		s.msgs = insert(s.msgs, m)
	} else if i < 0 {
		s.debug.Print(s.p.Sprintf("live message %d for unknown conversation %d", m.ID, m.Conversation))
		return false
	} else {
		s.convs[i].Unread++
		for _, missed := range s.missed {
			missed[m.Conversation] = append(missed[m.Conversation], m)
		}
	}
	if i >= 0 {
		last := s.convs[i].LastMessage
		if last == nil || !m.Before(*last) {
			s.convs[i].LastMessage = &m
		}
	}
	return true
}

// removeLocked removes a message from the history of the selected
// conversation and recomputes its last message if needed.
// Removing an absent message only records the tombstone.
func (s *Sync) removeLocked(id int64) {
	if s.tombstones != nil {
		s.tombstones[id] = struct{}{}
	}
	s.msgs = slices.DeleteFunc(s.msgs, func(m chat.Message) bool { return m.ID == id })
	i := s.indexOf(s.selected)
	if i < 0 {
		return
	}
	if last := s.convs[i].LastMessage; last != nil && last.ID == id {
		s.convs[i].LastMessage = lastOf(s.msgs)
	}
}

// insert adds m to the ordered history msgs, replacing any message with the
// same ID.
func insert(msgs []chat.Message, m chat.Message) []chat.Message {
	if i := slices.IndexFunc(msgs, func(o chat.Message) bool { return o.ID == m.ID }); i >= 0 {
		msgs = slices.Delete(msgs, i, i+1)
	}
	i := sort.Search(len(msgs), func(i int) bool { return m.Before(msgs[i]) })
	return slices.Insert(msgs, i, m)
}

// merge returns the union of have and fetched ordered by creation.
// A fetched message replaces a message with the same ID.
// Messages in tombstones are dropped, as are messages in provisional that
// the fetch did not return.
func merge(have, fetched []chat.Message, tombstones, provisional map[int64]struct{}) []chat.Message {
	byID := make(map[int64]chat.Message, len(have)+len(fetched))
	for _, m := range have {
		if _, ok := provisional[m.ID]; ok {
			continue
		}
		byID[m.ID] = m
	}
	for _, m := range fetched {
		byID[m.ID] = m
	}
	out := make([]chat.Message, 0, len(byID))
	for id, m := range byID {
		if _, ok := tombstones[id]; ok {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// mergeConversations replaces local with the summaries from the server while
// keeping last messages that are newer locally.
// Messages in missed arrived live while the server summaries were being
// fetched and are added to the unread count unless the server summary already
// includes them.
func mergeConversations(local, remote []chat.Conversation, selected int64, missed map[int64][]chat.Message) []chat.Conversation {
	out := cloneConversations(remote)
	for i := range out {
		c := &out[i]
		for _, m := range missed[c.ID] {
			if c.LastMessage == nil || c.LastMessage.Before(m) {
				c.Unread++
			}
		}
		if c.ID == selected {
			c.Unread = 0
		}
		j := slices.IndexFunc(local, func(l chat.Conversation) bool { return l.ID == c.ID })
		if j < 0 || local[j].LastMessage == nil {
			continue
		}
		if c.LastMessage == nil || c.LastMessage.Before(*local[j].LastMessage) {
			m := *local[j].LastMessage
			c.LastMessage = &m
		}
	}
	return out
}

func lastOf(msgs []chat.Message) *chat.Message {
	if len(msgs) == 0 {
		return nil
	}
	m := msgs[len(msgs)-1]
	return &m
}
