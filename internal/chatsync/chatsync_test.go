// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package chatsync_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soulcare.app/soulchat/internal/chat"
	"soulcare.app/soulchat/internal/chatsync"
	"soulcare.app/soulchat/internal/client"
	"soulcare.app/soulchat/internal/client/event"
	"soulcare.app/soulchat/internal/localerr"
	"soulcare.app/soulchat/internal/session"
)

const localUser = 7

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func msg(id, conv, sender int64, content string) chat.Message {
	return chat.Message{
		ID:           id,
		Conversation: conv,
		Sender:       chat.Participant{ID: sender, Username: fmt.Sprintf("user%d", sender)},
		Content:      content,
		Timestamp:    epoch.Add(time.Duration(id) * time.Second),
	}
}

func conversations() []chat.Conversation {
	return []chat.Conversation{
		{ID: 1, Other: chat.Participant{ID: 2, Username: "dr.who", FullName: "Dr. Who", Role: "psychiatrist"}},
		{ID: 2, Other: chat.Participant{ID: 3, Username: "amy", Role: "patient"}, Unread: 4},
	}
}

func ids(msgs []chat.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

// block holds a call open until it is released.
// started is closed once the call is waiting.
type block struct {
	started chan struct{}
	release chan struct{}
}

func newBlock() *block {
	return &block{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *block) wait() {
	if b == nil {
		return
	}
	close(b.started)
	<-b.release
}

// fetcher serves canned responses.
// If a gate is registered for a conversation, History blocks until it is
// released, ignoring cancellation so that late results can be observed.
type fetcher struct {
	mu        sync.Mutex
	contacts  []chat.Conversation
	histories map[int64][]chat.Message
	histErr   error
	deleteErr error
	gates     map[int64]chan struct{}
	fetched   chan int64
	calls     map[int64]int
	deleted   []int64

	// The next Contacts or DeleteMessage call waits on these.
	contactsBlock *block
	deleteBlock   *block
}

func newFetcher() *fetcher {
	return &fetcher{
		contacts:  conversations(),
		histories: make(map[int64][]chat.Message),
		gates:     make(map[int64]chan struct{}),
		fetched:   make(chan int64, 100),
		calls:     make(map[int64]int),
	}
}

func (f *fetcher) gate(conv int64) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := make(chan struct{})
	f.gates[conv] = c
	return c
}

// Contacts returns the conversations as they were when it was called, even
// if it is blocked.
func (f *fetcher) Contacts(context.Context) ([]chat.Conversation, error) {
	f.mu.Lock()
	contacts := slices.Clone(f.contacts)
	b := f.contactsBlock
	f.contactsBlock = nil
	f.mu.Unlock()
	b.wait()
	return contacts, nil
}

func (f *fetcher) History(_ context.Context, conv int64) ([]chat.Message, error) {
	f.mu.Lock()
	gate := f.gates[conv]
	f.calls[conv]++
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	defer func() { f.fetched <- conv }()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.histErr != nil {
		return nil, f.histErr
	}
	return slices.Clone(f.histories[conv]), nil
}

func (f *fetcher) DeleteMessage(_ context.Context, id int64) error {
	f.mu.Lock()
	b := f.deleteBlock
	f.deleteBlock = nil
	f.mu.Unlock()
	b.wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fetcher) historyCalls(conv int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[conv]
}

// cache records writes in the order they happen.
// If historyBlock is set, History waits on it, and if saveBlock is set the next
// SaveHistory waits on it.
type cache struct {
	mu           sync.Mutex
	histories    map[int64][]chat.Message
	ops          []string
	historyBlock *block
	saveBlock    *block
}

func newCache() *cache {
	return &cache{histories: make(map[int64][]chat.Message)}
}

func (c *cache) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
}

func (c *cache) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ops)
}

func (c *cache) Conversations(context.Context) ([]chat.Conversation, error) {
	return nil, nil
}

func (c *cache) SaveConversations(context.Context, []chat.Conversation) error {
	c.record("conversations")
	return nil
}

func (c *cache) History(_ context.Context, conv int64) ([]chat.Message, error) {
	c.mu.Lock()
	b := c.historyBlock
	c.historyBlock = nil
	msgs := slices.Clone(c.histories[conv])
	c.mu.Unlock()
	b.wait()
	return msgs, nil
}

func (c *cache) SaveHistory(_ context.Context, conv int64, msgs []chat.Message) error {
	c.mu.Lock()
	b := c.saveBlock
	c.saveBlock = nil
	c.mu.Unlock()
	b.wait()
	c.record(fmt.Sprintf("history %d %v", conv, ids(msgs)))
	return nil
}

func (c *cache) InsertMessage(_ context.Context, m chat.Message) error {
	c.record(fmt.Sprintf("insert %d", m.ID))
	return nil
}

func (c *cache) DeleteMessage(_ context.Context, id int64) error {
	c.record(fmt.Sprintf("delete %d", id))
	return nil
}

type stream struct {
	conv int64
	h    func(interface{})

	mu     sync.Mutex
	live   bool
	closed bool
	sent   []string
}

func (s *stream) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		return client.ErrNotLive
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.live = false
	return nil
}

func (s *stream) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// goLive marks the stream connected and emits the matching event.
func (s *stream) goLive(resumed bool) {
	s.mu.Lock()
	s.live = true
	s.mu.Unlock()
	s.h(event.StatusLive{Conversation: s.conv, Resumed: resumed})
}

type dialer struct {
	mu      sync.Mutex
	streams []*stream
}

func (d *dialer) Open(conv int64, h func(interface{})) chatsync.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &stream{conv: conv, h: h}
	d.streams = append(d.streams, s)
	return s
}

func (d *dialer) last() *stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

func (d *dialer) open() []*stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*stream
	for _, s := range d.streams {
		if !s.isClosed() {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	t *testing.T
	f *fetcher
	d *dialer
	s *chatsync.Sync
}

func newHarness(t *testing.T, opts ...chatsync.Option) *harness {
	h := &harness{t: t, f: newFetcher(), d: &dialer{}}
	h.s = chatsync.New(h.f, h.d, localUser, nil, nil, opts...)
	require.NoError(t, h.s.Refresh(context.Background()))
	return h
}

// waitFetch blocks until a history fetch of conv has returned.
func (h *harness) waitFetch(conv int64) {
	h.t.Helper()
	for {
		select {
		case c := <-h.f.fetched:
			if c == conv {
				return
			}
		case <-time.After(5 * time.Second):
			h.t.Fatalf("timed out waiting for history fetch of conversation %d", conv)
		}
	}
}

// waitLoaded blocks until the selected history is no longer loading.
func (h *harness) waitLoaded() chatsync.Snapshot {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return !h.s.Snapshot().Loading
	}, 5*time.Second, time.Millisecond)
	return h.s.Snapshot()
}

func (h *harness) conv(id int64) chat.Conversation {
	h.t.Helper()
	for _, c := range h.s.Snapshot().Conversations {
		if c.ID == id {
			return c
		}
	}
	h.t.Fatalf("conversation %d not found", id)
	return chat.Conversation{}
}

func TestSelectOpensOneChannel(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, chatsync.Idle, h.s.Snapshot().Status)

	h.s.SelectConversation(1)
	h.s.SelectConversation(2)
	h.s.SelectConversation(1)
	open := h.d.open()
	require.Len(t, open, 1)
	assert.Equal(t, int64(1), open[0].conv)

	snap := h.s.Snapshot()
	assert.Equal(t, int64(1), snap.Selected)
	assert.Equal(t, chatsync.Connecting, snap.Status)
	open[0].goLive(false)
	assert.Equal(t, chatsync.Live, h.s.Snapshot().Status)
}

// Scenario: a live message for another conversation only bumps its unread
// count.
func TestLiveMessageOtherConversation(t *testing.T) {
	h := newHarness(t)
	h.f.histories[1] = []chat.Message{msg(101, 1, 2, "hi"), msg(102, 1, localUser, "hello")}
	h.s.SelectConversation(1)
	before := h.waitLoaded()
	require.Equal(t, []int64{101, 102}, ids(before.Messages))

	s := h.d.last()
	s.goLive(false)
	s.h(event.ChatMessage(msg(55, 2, 3, "ping")))

	snap := h.s.Snapshot()
	assert.Equal(t, []int64{101, 102}, ids(snap.Messages))
	assert.Equal(t, 5, h.conv(2).Unread)
	assert.Equal(t, int64(55), h.conv(2).LastMessage.ID)
	assert.Equal(t, 0, h.conv(1).Unread)
}

// Scenario: a live delete removes the message without reordering the rest.
func TestLiveDelete(t *testing.T) {
	h := newHarness(t)
	h.f.histories[1] = []chat.Message{msg(101, 1, 2, "a"), msg(102, 1, 2, "b")}
	h.s.SelectConversation(1)
	h.waitLoaded()
	require.Equal(t, int64(102), h.conv(1).LastMessage.ID)

	s := h.d.last()
	s.h(event.DeleteMessage{Conversation: 1, MessageID: 101})
	assert.Equal(t, []int64{102}, ids(h.s.Snapshot().Messages))

	// Absent IDs are a no-op.
	s.h(event.DeleteMessage{Conversation: 1, MessageID: 999})
	assert.Equal(t, []int64{102}, ids(h.s.Snapshot().Messages))

	// Deleting the last message recomputes the summary.
	s.h(event.DeleteMessage{Conversation: 1, MessageID: 102})
	assert.Empty(t, h.s.Snapshot().Messages)
	assert.Nil(t, h.conv(1).LastMessage)
}

// Scenario: sending does not insert anything until the echo arrives.
func TestSendWaitsForEcho(t *testing.T) {
	h := newHarness(t)
	h.f.histories[1] = []chat.Message{msg(102, 1, 2, "b")}
	h.s.SelectConversation(1)
	h.waitLoaded()
	s := h.d.last()
	s.goLive(false)

	require.NoError(t, h.s.SendMessage(context.Background(), "hello"))
	assert.Equal(t, []string{"hello"}, s.sent)
	assert.Equal(t, []int64{102}, ids(h.s.Snapshot().Messages))

	s.h(event.ChatMessage(msg(103, 1, localUser, "hello")))
	snap := h.s.Snapshot()
	assert.Equal(t, []int64{102, 103}, ids(snap.Messages))
	assert.Equal(t, int64(localUser), snap.Messages[1].Sender.ID)
	assert.Equal(t, "hello", h.conv(1).LastMessage.Content)
	assert.Equal(t, 0, h.conv(1).Unread)
}

func TestSendNoop(t *testing.T) {
	h := newHarness(t)
	// Nothing selected.
	require.NoError(t, h.s.SendMessage(context.Background(), "hello"))

	h.s.SelectConversation(1)
	s := h.d.last()
	// Not live yet.
	require.NoError(t, h.s.SendMessage(context.Background(), "hello"))
	s.goLive(false)
	require.NoError(t, h.s.SendMessage(context.Background(), " \t\n"))
	assert.Empty(t, s.sent)
}

// Interleaved live messages and fetch results yield each ID once, in order,
// with the fetched copy winning.
func TestFetchMergesLive(t *testing.T) {
	h := newHarness(t)
	h.f.histories[1] = []chat.Message{msg(101, 1, 2, "fetched"), msg(102, 1, 2, "b")}
	release := h.f.gate(1)
	h.s.SelectConversation(1)
	s := h.d.last()
	s.goLive(false)

	s.h(event.ChatMessage(msg(104, 1, 2, "d")))
	s.h(event.ChatMessage(msg(101, 1, 2, "live")))
	s.h(event.ChatMessage(msg(103, 1, 2, "c")))
	s.h(event.ChatMessage(msg(104, 1, 2, "d")))
	assert.Equal(t, []int64{101, 103, 104}, ids(h.s.Snapshot().Messages))
	assert.True(t, h.s.Snapshot().Loading)

	close(release)
	snap := h.waitLoaded()
	assert.Equal(t, []int64{101, 102, 103, 104}, ids(snap.Messages))
	assert.Equal(t, "fetched", snap.Messages[0].Content)
	assert.Equal(t, int64(104), h.conv(1).LastMessage.ID)

	s.h(event.ChatMessage(msg(102, 1, 2, "b")))
	assert.Equal(t, []int64{101, 102, 103, 104}, ids(h.s.Snapshot().Messages))
}

// A message deleted while the fetch is in flight stays deleted.
func TestFetchRespectsTombstones(t *testing.T) {
	h := newHarness(t)
	h.f.histories[1] = []chat.Message{msg(101, 1, 2, "a"), msg(102, 1, 2, "b")}
	release := h.f.gate(1)
	h.s.SelectConversation(1)
	h.d.last().h(event.DeleteMessage{Conversation: 1, MessageID: 102})
	close(release)
	snap := h.waitLoaded()
	assert.Equal(t, []int64{101}, ids(snap.Messages))
	assert.Equal(t, int64(101), h.conv(1).LastMessage.ID)
}

// A fetch for a conversation that is no longer selected is discarded.
func TestStaleFetchDiscarded(t *testing.T) {
	h := newHarness(t)
	h.f.histories[1] = []chat.Message{msg(101, 1, 2, "a")}
	h.f.histories[2] = []chat.Message{msg(201, 2, 3, "x"), msg(202, 2, 3, "y")}
	releaseA := h.f.gate(1)

	h.s.SelectConversation(1)
	h.s.SelectConversation(2)
	h.waitFetch(2)
	want := h.waitLoaded()
	require.Equal(t, []int64{201, 202}, ids(want.Messages))

	close(releaseA)
	h.waitFetch(1)
	snap := h.s.Snapshot()
	assert.Equal(t, int64(2), snap.Selected)
	assert.Equal(t, []int64{201, 202}, ids(snap.Messages))
	assert.Nil(t, snap.HistoryErr)
}

// Events from a channel that was replaced are dropped.
func TestStaleChannelIgnored(t *testing.T) {
	h := newHarness(t)
	h.s.SelectConversation(1)
	old := h.d.last()
	h.s.SelectConversation(2)
	h.waitLoaded()
	require.True(t, old.isClosed())

	old.h(event.ChatMessage(msg(150, 2, 3, "ghost")))
	old.h(event.StatusClosed{Conversation: 1})
	snap := h.s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Equal(t, chatsync.Connecting, snap.Status)
	assert.Equal(t, 0, h.conv(2).Unread)
}

func TestUnreadCounter(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 4, h.conv(2).Unread)
	h.s.SelectConversation(1)
	s := h.d.last()
	for i := range 3 {
		s.h(event.ChatMessage(msg(int64(300+i), 2, 3, "x")))
		assert.Equal(t, 5+i, h.conv(2).Unread)
	}
	// Messages in the selected conversation never count.
	s.h(event.ChatMessage(msg(400, 1, 2, "y")))
	assert.Equal(t, 0, h.conv(1).Unread)

	h.s.SelectConversation(2)
	assert.Equal(t, 0, h.conv(2).Unread)
}

func TestHistoryError(t *testing.T) {
	h := newHarness(t)
	h.f.histErr = errors.New("connection reset")
	h.s.SelectConversation(1)
	snap := h.waitLoaded()
	require.Error(t, snap.HistoryErr)
	assert.Equal(t, localerr.Transient, localerr.KindOf(snap.HistoryErr))
	assert.Empty(t, snap.Messages)
}

func TestUnauthenticated(t *testing.T) {
	var got []error
	var mu sync.Mutex
	h := newHarness(t, chatsync.OnUnauthenticated(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, err)
	}))
	h.f.histErr = fmt.Errorf("401: %w", session.ErrUnauthenticated)
	h.s.SelectConversation(1)
	snap := h.waitLoaded()
	assert.Equal(t, localerr.Unauthenticated, localerr.KindOf(snap.HistoryErr))

	h.d.last().h(event.Unauthenticated{Conversation: 1, Err: session.ErrUnauthenticated})
	snap = h.s.Snapshot()
	assert.Equal(t, localerr.Unauthenticated, localerr.KindOf(snap.StatusErr))
	h.d.last().h(event.StatusClosed{Conversation: 1, Err: session.ErrUnauthenticated})
	snap = h.s.Snapshot()
	assert.Equal(t, chatsync.Closed, snap.Status)
	// The close that follows a rejected token is not a channel failure.
	assert.Equal(t, localerr.Unauthenticated, localerr.KindOf(snap.StatusErr))
	assert.ErrorIs(t, snap.StatusErr, session.ErrUnauthenticated)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, err := range got {
		assert.ErrorIs(t, err, session.ErrUnauthenticated)
	}
}

func TestReconnectStates(t *testing.T) {
	h := newHarness(t)
	h.f.histories[1] = []chat.Message{msg(101, 1, 2, "a")}
	h.s.SelectConversation(1)
	h.waitFetch(1)
	s := h.d.last()
	s.goLive(false)

	s.h(event.StatusReconnecting{Conversation: 1, Attempt: 1, Delay: time.Second, Err: errors.New("EOF")})
	snap := h.s.Snapshot()
	assert.Equal(t, chatsync.Reconnecting, snap.Status)
	assert.Equal(t, 1, snap.Attempt)
	assert.Equal(t, localerr.Channel, localerr.KindOf(snap.StatusErr))

	// Resuming refetches history to catch up.
	h.f.histories[1] = append(h.f.histories[1], msg(102, 1, 2, "missed"))
	s.goLive(true)
	h.waitFetch(1)
	require.Eventually(t, func() bool {
		return len(h.s.Snapshot().Messages) == 2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, chatsync.Live, h.s.Snapshot().Status)
	assert.Equal(t, 2, h.f.historyCalls(1))

	s.h(event.StatusClosed{Conversation: 1, Err: client.ErrRetryExceeded})
	snap = h.s.Snapshot()
	assert.Equal(t, chatsync.Closed, snap.Status)
	assert.ErrorIs(t, snap.StatusErr, client.ErrRetryExceeded)

	// The explicit reconnect affordance opens a fresh channel.
	h.s.Reconnect()
	require.Len(t, h.d.open(), 1)
	assert.NotSame(t, s, h.d.last())
	assert.Equal(t, chatsync.Connecting, h.s.Snapshot().Status)
	h.waitFetch(1)
	assert.Equal(t, 3, h.f.historyCalls(1))
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Close())
	assert.Equal(t, chatsync.Idle, h.s.Snapshot().Status)

	h.s.SelectConversation(1)
	s := h.d.last()
	require.NoError(t, h.s.Close())
	assert.True(t, s.isClosed())
	assert.Equal(t, chatsync.Closed, h.s.Snapshot().Status)
	assert.Empty(t, h.d.open())
	s.h(event.StatusLive{Conversation: 1})
	assert.Equal(t, chatsync.Closed, h.s.Snapshot().Status)
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness(t)
	h.f.histories[1] = []chat.Message{msg(101, 1, 2, "theirs"), msg(102, 1, localUser, "mine")}
	h.s.SelectConversation(1)
	h.waitLoaded()
	ctx := context.Background()

	assert.ErrorIs(t, h.s.DeleteMessage(ctx, 101), chatsync.ErrNotAuthor)
	assert.NoError(t, h.s.DeleteMessage(ctx, 999))

	h.f.deleteErr = errors.New("timeout")
	err := h.s.DeleteMessage(ctx, 102)
	require.Error(t, err)
	assert.Equal(t, localerr.Transient, localerr.KindOf(err))
	assert.Equal(t, []int64{101, 102}, ids(h.s.Snapshot().Messages))

	h.f.deleteErr = nil
	require.NoError(t, h.s.DeleteMessage(ctx, 102))
	assert.Equal(t, []int64{102}, h.f.deleted)
	assert.Equal(t, []int64{101}, ids(h.s.Snapshot().Messages))
	assert.Equal(t, int64(101), h.conv(1).LastMessage.ID)

	// The echo of the delete from the channel is harmless.
	h.d.last().h(event.DeleteMessage{Conversation: 1, MessageID: 102})
	assert.Equal(t, []int64{101}, ids(h.s.Snapshot().Messages))
}

func TestRefreshMerge(t *testing.T) {
	h := newHarness(t)
	h.s.SelectConversation(2)
	h.waitLoaded()
	s := h.d.last()
	s.h(event.ChatMessage(msg(500, 2, 3, "new")))
	s.h(event.ChatMessage(msg(501, 1, 2, "other")))

	// The server has not seen the live messages yet.
	stale := conversations()
	stale[0].Unread = 2
	stale[1].Unread = 9
	h.f.contacts = stale
	require.NoError(t, h.s.Refresh(context.Background()))

	assert.Equal(t, 0, h.conv(2).Unread)
	assert.Equal(t, int64(500), h.conv(2).LastMessage.ID)
	assert.Equal(t, 2, h.conv(1).Unread)
	assert.Equal(t, int64(501), h.conv(1).LastMessage.ID)
}

func TestNotify(t *testing.T) {
	var mu sync.Mutex
	n := 0
	h := newHarness(t, chatsync.Notify(func() {
		mu.Lock()
		defer mu.Unlock()
		n++
	}))
	h.s.SelectConversation(1)
	h.waitLoaded()
	mu.Lock()
	defer mu.Unlock()
	// Refresh, select, and the fetch.
	assert.GreaterOrEqual(t, n, 3)
}

func TestClosedUnauthenticated(t *testing.T) {
	h := newHarness(t)
	h.s.SelectConversation(1)
	h.waitLoaded()
	h.d.last().h(event.StatusClosed{Conversation: 1, Err: fmt.Errorf("handshake: %w", session.ErrUnauthenticated)})
	snap := h.s.Snapshot()
	assert.Equal(t, chatsync.Closed, snap.Status)
	assert.Equal(t, localerr.Unauthenticated, localerr.KindOf(snap.StatusErr))
}

// Live messages that arrive while the conversation list is being fetched are
// still counted once the older server summary is merged.
func TestRefreshKeepsLiveUnread(t *testing.T) {
	h := newHarness(t)
	h.s.SelectConversation(1)
	h.waitLoaded()
	s := h.d.last()

	refresh := func(during func()) {
		t.Helper()
		b := newBlock()
		h.f.mu.Lock()
		h.f.contactsBlock = b
		h.f.mu.Unlock()
		done := make(chan error, 1)
		go func() {
			done <- h.s.Refresh(context.Background())
		}()
		<-b.started
		during()
		close(b.release)
		require.NoError(t, <-done)
	}

	// The server answered before message 55 reached it.
	refresh(func() {
		s.h(event.ChatMessage(msg(55, 2, 3, "ping")))
		assert.Equal(t, 5, h.conv(2).Unread)
	})
	assert.Equal(t, 5, h.conv(2).Unread)
	assert.Equal(t, int64(55), h.conv(2).LastMessage.ID)

	// The server already counted message 56, so it is not counted twice.
	m56 := msg(56, 2, 3, "pong")
	counted := conversations()
	counted[1].Unread = 6
	counted[1].LastMessage = &m56
	h.f.mu.Lock()
	h.f.contacts = counted
	h.f.mu.Unlock()
	refresh(func() {
		s.h(event.ChatMessage(m56))
		assert.Equal(t, 6, h.conv(2).Unread)
	})
	assert.Equal(t, 6, h.conv(2).Unread)

	// Selecting the conversation while the fetch is in flight reads everything.
	refresh(func() {
		s.h(event.ChatMessage(msg(57, 2, 3, "again")))
		h.s.SelectConversation(2)
	})
	assert.Equal(t, 0, h.conv(2).Unread)
}

// Deleting a message after switching conversations still fixes the summary of
// the conversation it was deleted from.
func TestDeleteAfterSelectionChange(t *testing.T) {
	h := newHarness(t)
	h.f.histories[1] = []chat.Message{msg(101, 1, 2, "theirs"), msg(102, 1, localUser, "mine")}
	h.f.histories[2] = []chat.Message{msg(201, 2, 3, "x")}
	h.s.SelectConversation(1)
	h.waitLoaded()
	require.Equal(t, int64(102), h.conv(1).LastMessage.ID)

	b := newBlock()
	h.f.mu.Lock()
	h.f.deleteBlock = b
	h.f.mu.Unlock()
	done := make(chan error, 1)
	go func() {
		done <- h.s.DeleteMessage(context.Background(), 102)
	}()
	<-b.started
	h.s.SelectConversation(2)
	h.waitFetch(2)
	close(b.release)
	require.NoError(t, <-done)

	snap := h.waitLoaded()
	assert.Equal(t, []int64{201}, ids(snap.Messages))
	require.NotNil(t, h.conv(1).LastMessage)
	assert.Equal(t, int64(101), h.conv(1).LastMessage.ID)
	assert.Equal(t, int64(201), h.conv(2).LastMessage.ID)
}

// A live message that arrives while the fetched history is being written is
// written after it.
func TestCacheWritesFollowLiveUpdates(t *testing.T) {
	c := newCache()
	h := newHarness(t, chatsync.WithCache(c))
	h.f.histories[1] = []chat.Message{msg(101, 1, 2, "a")}
	b := newBlock()
	c.mu.Lock()
	c.saveBlock = b
	c.mu.Unlock()

	h.s.SelectConversation(1)
	<-b.started
	s := h.d.last()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.h(event.ChatMessage(msg(103, 1, 2, "c")))
	}()
	require.Eventually(t, func() bool {
		return len(h.s.Snapshot().Messages) == 2
	}, 5*time.Second, time.Millisecond)
	close(b.release)
	<-done

	var writes []string
	for _, op := range c.writes() {
		if op != "conversations" {
			writes = append(writes, op)
		}
	}
	assert.Equal(t, []string{"history 1 [101]", "insert 103"}, writes)
}

func TestSelectDoesNotWaitForCache(t *testing.T) {
	c := newCache()
	c.histories[1] = []chat.Message{msg(100, 1, 2, "gone"), msg(101, 1, 2, "cached")}
	h := newHarness(t, chatsync.WithCache(c))
	h.f.histories[1] = []chat.Message{msg(101, 1, 2, "fetched"), msg(102, 1, 2, "b")}
	release := h.f.gate(1)
	b := newBlock()
	c.mu.Lock()
	c.historyBlock = b
	c.mu.Unlock()

	selected := make(chan struct{})
	go func() {
		h.s.SelectConversation(1)
		close(selected)
	}()
	select {
	case <-selected:
	case <-time.After(5 * time.Second):
		t.Fatal("selecting a conversation waited for the cache")
	}
	assert.Equal(t, int64(1), h.s.Snapshot().Selected)

	// A live copy is not replaced by the cached one.
	h.d.last().h(event.ChatMessage(msg(101, 1, 2, "live")))
	<-b.started
	close(b.release)
	require.Eventually(t, func() bool {
		return len(h.s.Snapshot().Messages) == 2
	}, 5*time.Second, time.Millisecond)
	snap := h.s.Snapshot()
	assert.Equal(t, []int64{100, 101}, ids(snap.Messages))
	assert.Equal(t, "live", snap.Messages[1].Content)
	assert.True(t, snap.Loading)

	close(release)
	snap = h.waitLoaded()
	assert.Equal(t, []int64{101, 102}, ids(snap.Messages))
	assert.Equal(t, "fetched", snap.Messages[0].Content)
}
