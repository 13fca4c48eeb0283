// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package chatsync keeps a local view of the conversation list and of the
// history of the selected conversation in sync with the backend.
//
// Three sources feed the view: bulk fetches over HTTP, events pushed on the
// live channel of the selected conversation, and actions of the local user.
// All of them are applied through a Sync, one at a time, and the result can be
// read at any point with Snapshot.
package chatsync // import "soulcare.app/soulchat/internal/chatsync"

import (
	"context"
	"errors"
	"io"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"soulcare.app/soulchat/internal/chat"
	"soulcare.app/soulchat/internal/localerr"
	"soulcare.app/soulchat/internal/session"
)

// ErrNotAuthor is returned when trying to delete a message that was sent by
// somebody else.
var ErrNotAuthor = errors.New("only the sender can delete a message")

// Fetcher loads conversations and history and deletes messages.
type Fetcher interface {
	Contacts(ctx context.Context) ([]chat.Conversation, error)
	History(ctx context.Context, conv int64) ([]chat.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
}

// Stream is an open live channel.
type Stream interface {
	Send(ctx context.Context, text string) error
	Close() error
	Live() bool
}

// Dialer opens live channels.
// Events of the channel must be passed to h from a single goroutine in the
// order they were received.
type Dialer interface {
	Open(conv int64, h func(interface{})) Stream
}

// Cache stores conversations and messages between runs.
type Cache interface {
	Conversations(ctx context.Context) ([]chat.Conversation, error)
	SaveConversations(ctx context.Context, convs []chat.Conversation) error
	History(ctx context.Context, conv int64) ([]chat.Message, error)
	SaveHistory(ctx context.Context, conv int64, msgs []chat.Message) error
	InsertMessage(ctx context.Context, msg chat.Message) error
	DeleteMessage(ctx context.Context, id int64) error
}

// Status is the state of the live channel of the selected conversation.
type Status uint8

// A list of channel states.
const (
	Idle Status = iota
	Connecting
	Live
	Reconnecting
	Closed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Snapshot is a copy of the synchronized state.
type Snapshot struct {
	Conversations []chat.Conversation
	Selected      int64
	Messages      []chat.Message

	Status    Status
	Attempt   int
	StatusErr error

	// Loading is true until the first history fetch after a selection
	// completes.
	// While it is true Messages may contain cached messages.
	Loading    bool
	HistoryErr error
	ListErr    error
}

// Option is used to configure a Sync.
type Option func(*Sync)

// WithCache writes conversations and messages through to c and shows cached
// history while a fetch is in flight.
func WithCache(c Cache) Option {
	return func(s *Sync) {
		s.cache = c
	}
}

// Notify is called after every change to the state.
// It is not called with any lock held and may be called concurrently, so it
// should only schedule a call to Snapshot.
func Notify(f func()) Option {
	return func(s *Sync) {
		s.notify = f
	}
}

// OnUnauthenticated is called when the backend rejects the access token.
func OnUnauthenticated(f func(error)) Option {
	return func(s *Sync) {
		s.onUnauth = f
	}
}

// Timeout bounds every request made to the Fetcher.
func Timeout(d time.Duration) Option {
	return func(s *Sync) {
		s.timeout = d
	}
}

// Printer sets the message printer used for errors and logs.
func Printer(p *message.Printer) Option {
	return func(s *Sync) {
		if p != nil {
			s.p = p
		}
	}
}

// Sync owns the conversation list and the message history of the selected
// conversation.
// It is safe for concurrent use.
type Sync struct {
	fetch    Fetcher
	dial     Dialer
	cache    Cache
	userID   int64
	logger   *log.Logger
	debug    *log.Logger
	p        *message.Printer
	notify   func()
	onUnauth func(error)
	timeout  time.Duration

	mu          sync.Mutex
	gen         uint64
	convs       []chat.Conversation
	selected    int64
	msgs        []chat.Message
	tombstones  map[int64]struct{}
	provisional map[int64]struct{}
	stream      Stream
	fetchCtx    context.Context
	cancelFetch context.CancelFunc
	status      Status
	attempt     int
	statusErr   error
	loading     bool
	historyErr  error
	listErr     error

	// missed holds the live messages that bumped an unread count while a
	// Refresh was in flight, keyed by refresh.
	refreshSeq uint64
	missed     map[uint64]map[int64][]chat.Message

	// cacheMu orders cache writes so that a snapshot taken under mu is never
	// written after a newer live update.
	cacheMu sync.Mutex
}

// New returns a Sync for the local user userID.
func New(fetch Fetcher, dial Dialer, userID int64, logger, debug *log.Logger, opts ...Option) *Sync {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if debug == nil {
		debug = log.New(io.Discard, "", 0)
	}
	s := &Sync{
		fetch:   fetch,
		dial:    dial,
		userID:  userID,
		logger:  logger,
		debug:   debug,
		p:       message.NewPrinter(language.English),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UserID returns the ID of the local user.
func (s *Sync) UserID() int64 {
	return s.userID
}

// Snapshot returns a copy of the current state.
func (s *Sync) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Conversations: cloneConversations(s.convs),
		Selected:      s.selected,
		Messages:      slices.Clone(s.msgs),
		Status:        s.status,
		Attempt:       s.attempt,
		StatusErr:     s.statusErr,
		Loading:       s.loading,
		HistoryErr:    s.historyErr,
		ListErr:       s.listErr,
	}
}

func (s *Sync) changed() {
	if s.notify != nil {
		s.notify()
	}
}

// classify wraps err in a localized error of the kind the UI needs to react to
// and reports whether it was an authentication failure.
func (s *Sync) classify(ref message.Reference, err error) (unauth bool, lerr error) {
	if errors.Is(err, session.ErrUnauthenticated) {
		return true, localerr.Wrap(s.p, localerr.Unauthenticated, ref, err)
	}
	return false, localerr.Wrap(s.p, localerr.Transient, ref, err)
}

func (s *Sync) unauthenticated(err error) {
	s.logger.Print(s.p.Sprintf("authentication failed, a new access token is required: %v", err))
	if s.onUnauth != nil {
		s.onUnauth(err)
	}
}

// LoadCached populates the conversation list from the cache if it has not been
// loaded from the backend yet.
func (s *Sync) LoadCached(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	convs, err := s.cache.Conversations(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if len(s.convs) == 0 {
		s.convs = convs
	}
	s.mu.Unlock()
	s.changed()
	return nil
}

// Refresh fetches the conversation list and merges it into the local one.
// The server order is kept.
// The selected conversation keeps an unread count of zero and a last message
// that is newer than the one reported by the server.
func (s *Sync) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	s.refreshSeq++
	seq := s.refreshSeq
	if s.missed == nil {
		s.missed = make(map[uint64]map[int64][]chat.Message)
	}
	s.missed[seq] = make(map[int64][]chat.Message)
	s.mu.Unlock()

	convs, err := s.fetch.Contacts(ctx)
	if err != nil {
		unauth, lerr := s.classify("error loading conversations: %v", err)
		s.mu.Lock()
		delete(s.missed, seq)
		s.listErr = lerr
		s.mu.Unlock()
		s.changed()
		if unauth {
			s.unauthenticated(err)
		}
		return lerr
	}

	s.mu.Lock()
	merged := mergeConversations(s.convs, convs, s.selected, s.missed[seq])
	delete(s.missed, seq)
	s.convs = merged
	s.listErr = nil
	save := cloneConversations(merged)
	if s.cache != nil {
		s.cacheMu.Lock()
	}
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.SaveConversations(ctx, save); err != nil {
			s.debug.Print(s.p.Sprintf("error caching conversations: %v", err))
		}
		s.cacheMu.Unlock()
	}
	s.changed()
	return nil
}

// SelectConversation makes conv the selected conversation.
//
// The live channel of the previously selected conversation is closed and any
// fetch issued for it is cancelled and its result discarded.
// A new channel is opened, the history is fetched in the background, and the
// unread count of conv is reset.
func (s *Sync) SelectConversation(conv int64) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.gen++
	gen := s.gen
	oldStream, oldCancel := s.stream, s.cancelFetch
	s.stream = nil
	s.selected = conv
	s.msgs = nil
	s.tombstones = make(map[int64]struct{})
	s.provisional = make(map[int64]struct{})
	s.fetchCtx, s.cancelFetch = ctx, cancel
	s.status = Connecting
	s.attempt = 0
	s.statusErr = nil
	s.loading = true
	s.historyErr = nil
	if i := s.indexOf(conv); i >= 0 {
		s.convs[i].Unread = 0
	}
	for _, missed := range s.missed {
		delete(missed, conv)
	}
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if oldStream != nil {
		/* #nosec */
		oldStream.Close()
	}

	s.open(gen, conv)
	go func() {
		s.loadCachedHistory(ctx, gen, conv)
		s.fetchHistory(ctx, gen, conv)
	}()
	s.changed()
}

// loadCachedHistory shows the cached history of conv until the fetch
// completes.
// Cached messages are provisional: they are dropped by the fetch if the server
// no longer has them.
func (s *Sync) loadCachedHistory(ctx context.Context, gen uint64, conv int64) {
	if s.cache == nil {
		return
	}
	cached, err := s.cache.History(ctx, conv)
	if err != nil {
		s.debug.Print(s.p.Sprintf("error reading cached history of conversation %d: %v", conv, err))
		return
	}
	s.mu.Lock()
	if s.gen != gen || !s.loading || len(cached) == 0 {
		s.mu.Unlock()
		return
	}
	for _, m := range cached {
		if slices.ContainsFunc(s.msgs, func(o chat.Message) bool { return o.ID == m.ID }) {
			continue
		}
		s.provisional[m.ID] = struct{}{}
	}
	// Messages that arrived live win over their cached copy.
	s.msgs = merge(cached, s.msgs, s.tombstones, nil)
	s.mu.Unlock()
	s.changed()
}

// open dials the live channel for conv unless gen has been superseded.
func (s *Sync) open(gen uint64, conv int64) {
	stream := s.dial.Open(conv, func(ev interface{}) {
		s.handle(gen, ev)
	})
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		/* #nosec */
		stream.Close()
		return
	}
	s.stream = stream
	s.mu.Unlock()
}

func (s *Sync) fetchHistory(ctx context.Context, gen uint64, conv int64) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	fetched, err := s.fetch.History(ctx, conv)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.debug.Print(s.p.Sprintf("discarding history of conversation %d, selection changed", conv))
		return
	}
	if err != nil {
		unauth, lerr := s.classify("error loading history: %v", err)
		s.loading = false
		s.historyErr = lerr
		s.mu.Unlock()
		s.changed()
		if unauth {
			s.unauthenticated(err)
		}
		return
	}
	s.msgs = merge(s.msgs, fetched, s.tombstones, s.provisional)
	clear(s.provisional)
	s.loading = false
	s.historyErr = nil
	if i := s.indexOf(conv); i >= 0 {
		s.convs[i].LastMessage = lastOf(s.msgs)
		s.convs[i].Unread = 0
	}
	save := slices.Clone(s.msgs)
	if s.cache != nil {
		s.cacheMu.Lock()
	}
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.SaveHistory(ctx, conv, save); err != nil {
			s.debug.Print(s.p.Sprintf("error caching history of conversation %d: %v", conv, err))
		}
		s.cacheMu.Unlock()
	}
	s.changed()
}

// SendMessage transmits text on the live channel of the selected conversation.
// It does nothing if text is blank or the channel is not live.
// The message is not added locally, it appears once the server echoes it.
func (s *Sync) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil || !stream.Live() {
		s.debug.Print(s.p.Sprintf("not sending message, no live channel"))
		return nil
	}
	if err := stream.Send(ctx, text); err != nil {
		return localerr.Wrap(s.p, localerr.Channel, "error sending message: %v", err)
	}
	return nil
}

// DeleteMessage deletes a message of the local user from the selected
// conversation.
// Deleting a message that is not in the history is a no-op.
func (s *Sync) DeleteMessage(ctx context.Context, id int64) error {
	s.mu.Lock()
	i := slices.IndexFunc(s.msgs, func(m chat.Message) bool { return m.ID == id })
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	sender := s.msgs[i].Sender.ID
	conv := s.selected
	rest := slices.Delete(slices.Clone(s.msgs), i, i+1)
	s.mu.Unlock()
	if sender != s.userID {
		return ErrNotAuthor
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.fetch.DeleteMessage(reqCtx, id); err != nil {
		unauth, lerr := s.classify("error deleting message: %v", err)
		if unauth {
			s.unauthenticated(err)
		}
		return lerr
	}

	s.mu.Lock()
	if s.selected == conv {
		s.removeLocked(id)
	} else if j := s.indexOf(conv); j >= 0 {
		// The selection changed while the request was in flight.
		if last := s.convs[j].LastMessage; last != nil && last.ID == id {
			s.convs[j].LastMessage = lastOf(rest)
		}
	}
	s.mu.Unlock()
	s.changed()
	s.uncache(ctx, id)
	return nil
}

// Reconnect replaces the live channel of the selected conversation and
// refetches its history to catch up on anything that was missed.
func (s *Sync) Reconnect() {
	s.mu.Lock()
	if s.selected == 0 {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen, conv := s.gen, s.selected
	oldStream, oldCancel := s.stream, s.cancelFetch
	ctx, cancel := context.WithCancel(context.Background())
	s.stream = nil
	s.fetchCtx, s.cancelFetch = ctx, cancel
	s.status = Connecting
	s.attempt = 0
	s.statusErr = nil
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if oldStream != nil {
		/* #nosec */
		oldStream.Close()
	}
	s.open(gen, conv)
	go s.fetchHistory(ctx, gen, conv)
	s.changed()
}

// Close tears down the live channel and cancels any fetch in flight.
// The selection is kept so that Reconnect can resume it.
func (s *Sync) Close() error {
	s.mu.Lock()
	s.gen++
	oldStream, oldCancel := s.stream, s.cancelFetch
	s.stream = nil
	s.fetchCtx, s.cancelFetch = nil, nil
	if s.selected != 0 {
		s.status = Closed
	} else {
		s.status = Idle
	}
	s.statusErr = nil
	s.loading = false
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	var err error
	if oldStream != nil {
		err = oldStream.Close()
	}
	s.changed()
	return err
}

func (s *Sync) indexOf(conv int64) int {
	return slices.IndexFunc(s.convs, func(c chat.Conversation) bool { return c.ID == conv })
}

func (s *Sync) uncache(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if err := s.cache.DeleteMessage(ctx, id); err != nil {
		s.debug.Print(s.p.Sprintf("error removing message %d from cache: %v", id, err))
	}
}

func cloneConversations(convs []chat.Conversation) []chat.Conversation {
	out := slices.Clone(convs)
	for i, c := range out {
		if c.LastMessage != nil {
			m := *c.LastMessage
			out[i].LastMessage = &m
		}
	}
	return out
}
