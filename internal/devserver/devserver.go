// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package devserver is an in-memory implementation of the chat backend.
//
// It serves the same REST endpoints and live channels as the production
// backend and is used for local development and for tests.
// Users authenticate with static tokens, both as a bearer token on HTTP
// requests and as the token query parameter of live channels.
package devserver // import "soulcare.app/soulchat/internal/devserver"

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"soulcare.app/soulchat/internal/chat"
)

// Errors returned when seeding or posting.
var (
	ErrUnknownUser         = errors.New("unknown user")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrNotMember           = errors.New("user is not a member of the conversation")
)

const userKey = "user"

type conversation struct {
	id      int64
	members [2]int64
	msgs    []chat.Message
}

func (c *conversation) member(user int64) bool {
	return c.members[0] == user || c.members[1] == user
}

func (c *conversation) other(user int64) int64 {
	if c.members[0] == user {
		return c.members[1]
	}
	return c.members[0]
}

// Server is the in-memory backend.
// It is safe for concurrent use.
type Server struct {
	logger *log.Logger
	now    func() time.Time
	hub    *hub
	engine *gin.Engine

	upgrader websocket.Upgrader

	mu      sync.Mutex
	tokens  map[string]int64
	users   map[int64]chat.Participant
	convs   map[int64]*conversation
	order   []int64
	nextMsg int64
}

// Option is used to configure a Server.
type Option func(*Server)

// Clock sets the function used to timestamp new messages.
func Clock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New returns an empty server.
// Requests are logged to logger.
func New(logger *log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		logger:  logger,
		now:     time.Now,
		hub:     newHub(),
		tokens:  make(map[string]int64),
		users:   make(map[int64]chat.Participant),
		convs:   make(map[int64]*conversation),
		nextMsg: 1,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.LoggerWithWriter(logger.Writer()), gin.Recovery())
	api := r.Group("/api/chat", s.authenticate)
	api.GET("/contacts/", s.contacts)
	api.GET("/conversations/:id/messages/", s.history)
	api.DELETE("/messages/:id/", s.deleteMessage)
	r.GET("/ws/chat/:id/", s.live)
	s.engine = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Close disconnects all live channels.
func (s *Server) Close() {
	s.hub.closeAll(websocket.CloseGoingAway, "server shutting down")
}

// AddUser registers a user that authenticates with token.
func (s *Server) AddUser(p chat.Participant, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.ID] = p
	s.tokens[token] = p.ID
}

// RevokeToken makes token invalid for future requests.
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// AddConversation creates a conversation between two registered users.
func (s *Server) AddConversation(id, a, b int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range []int64{a, b} {
		if _, ok := s.users[u]; !ok {
			return ErrUnknownUser
		}
	}
	if _, ok := s.convs[id]; !ok {
		s.order = append(s.order, id)
	}
	s.convs[id] = &conversation{id: id, members: [2]int64{a, b}}
	return nil
}

// Post stores a message from sender and broadcasts it to the live channels of
// the conversation.
func (s *Server) Post(conv, sender int64, content string) (chat.Message, error) {
	s.mu.Lock()
	c, ok := s.convs[conv]
	if !ok {
		s.mu.Unlock()
		return chat.Message{}, ErrUnknownConversation
	}
	if !c.member(sender) {
		s.mu.Unlock()
		return chat.Message{}, ErrNotMember
	}
	m := chat.Message{
		ID:           s.nextMsg,
		Conversation: conv,
		Sender:       s.users[sender],
		Content:      content,
		Timestamp:    s.now().UTC(),
	}
	s.nextMsg++
	c.msgs = append(c.msgs, m)
	s.mu.Unlock()

	payload, err := json.Marshal(m)
	if err != nil {
		return m, err
	}
	s.hub.broadcast(conv, payload)
	return m, nil
}

// Peers returns the number of live channels open for a conversation.
func (s *Server) Peers(conv int64) int {
	return s.hub.peers(conv)
}

func (s *Server) userFor(token string) (chat.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok {
		return chat.Participant{}, false
	}
	return s.users[id], true
}

func (s *Server) authenticate(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
		return
	}
	user, ok := s.userFor(token)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Given token not valid for any token type"})
		return
	}
	c.Set(userKey, user)
	c.Next()
}

func currentUser(c *gin.Context) chat.Participant {
	return c.MustGet(userKey).(chat.Participant)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return 0, false
	}
	return id, true
}

func (s *Server) contacts(c *gin.Context) {
	user := currentUser(c)

	s.mu.Lock()
	out := []chat.Conversation{}
	for _, id := range s.order {
		conv := s.convs[id]
		if !conv.member(user.ID) {
			continue
		}
		summary := chat.Conversation{
			ID:    conv.id,
			Other: s.users[conv.other(user.ID)],
		}
		for _, m := range conv.msgs {
			if !m.Read && m.Sender.ID != user.ID {
				summary.Unread++
			}
		}
		if n := len(conv.msgs); n > 0 {
			last := conv.msgs[n-1]
			summary.LastMessage = &last
		}
		out = append(out, summary)
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, out)
}

func (s *Server) history(c *gin.Context) {
	user := currentUser(c)
	id, ok := pathID(c)
	if !ok {
		return
	}

	s.mu.Lock()
	conv, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"detail": "Conversation not found."})
		return
	}
	if !conv.member(user.ID) {
		s.mu.Unlock()
		c.JSON(http.StatusForbidden, gin.H{"detail": "Not authorized to view this conversation."})
		return
	}
	for i, m := range conv.msgs {
		if m.Sender.ID != user.ID {
			conv.msgs[i].Read = true
		}
	}
	msgs := slices.Clone(conv.msgs)
	s.mu.Unlock()

	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) deleteMessage(c *gin.Context) {
	user := currentUser(c)
	id, ok := pathID(c)
	if !ok {
		return
	}

	s.mu.Lock()
	var (
		conv  *conversation
		found = -1
	)
	for _, cv := range s.convs {
		if i := slices.IndexFunc(cv.msgs, func(m chat.Message) bool { return m.ID == id }); i >= 0 {
			conv, found = cv, i
			break
		}
	}
	if found < 0 {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	if conv.msgs[found].Sender.ID != user.ID {
		s.mu.Unlock()
		c.JSON(http.StatusForbidden, gin.H{"detail": "You do not have permission to perform this action."})
		return
	}
	conv.msgs = slices.Delete(conv.msgs, found, found+1)
	convID := conv.id
	s.mu.Unlock()

	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		chat.Deleted
	}{Type: chat.TypeDeleteMessage, Deleted: chat.Deleted{MessageID: id}})
	if err == nil {
		s.hub.broadcast(convID, payload)
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) live(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	user, ok := s.userFor(c.Query("token"))
	if !ok {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	s.mu.Lock()
	conv, ok := s.convs[id]
	member := ok && conv.member(user.ID)
	s.mu.Unlock()
	if !member {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("error upgrading live channel: %v", err)
		return
	}
	p := newPeer(user.ID, id, ws)
	s.hub.join(p)
	go p.writeLoop()
	defer func() {
		s.hub.leave(p)
		p.Close(websocket.CloseNormalClosure, "session closed")
	}()

	ws.SetReadLimit(64 << 10)
	/* #nosec */
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var in chat.Outgoing
		if err := ws.ReadJSON(&in); err != nil {
			return
		}
		if in.Type != "" && in.Type != chat.TypeChatMessage {
			continue
		}
		if strings.TrimSpace(in.Message) == "" {
			continue
		}
		if _, err := s.Post(id, user.ID, in.Message); err != nil {
			s.logger.Printf("error posting message to conversation %d: %v", id, err)
		}
	}
}
