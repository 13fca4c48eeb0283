// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package devserver

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var errPeerClosed = errors.New("peer closed")

// peer is a websocket subscribed to a single conversation.
// Writes are serialized through a buffered channel.
type peer struct {
	ID     string
	UserID int64
	Conv   int64

	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

func newPeer(userID, conv int64, ws *websocket.Conn) *peer {
	return &peer{
		ID:     uuid.NewString(),
		UserID: userID,
		Conv:   conv,
		ws:     ws,
		send:   make(chan []byte, 64),
		close:  make(chan struct{}),
	}
}

// Send queues payload for delivery.
// A peer that cannot keep up is disconnected.
func (p *peer) Send(payload []byte) error {
	select {
	case <-p.close:
		return errPeerClosed
	default:
	}
	select {
	case p.send <- payload:
		return nil
	default:
		p.Close(websocket.CloseTryAgainLater, "send buffer full")
		return errors.New("peer buffer exceeded")
	}
}

// Close terminates the connection and stops the write loop.
func (p *peer) Close(code int, reason string) {
	p.once.Do(func() {
		close(p.close)
		/* #nosec */
		p.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		/* #nosec */
		p.ws.Close()
	})
}

func (p *peer) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.close:
			return
		case msg := <-p.send:
			if err := p.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := p.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// hub fans payloads out to every peer subscribed to a conversation.
type hub struct {
	mu    sync.RWMutex
	rooms map[int64]map[string]*peer
}

func newHub() *hub {
	return &hub{
		rooms: make(map[int64]map[string]*peer),
	}
}

func (h *hub) join(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[p.Conv]
	if room == nil {
		room = make(map[string]*peer)
		h.rooms[p.Conv] = room
	}
	room[p.ID] = p
}

func (h *hub) leave(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[p.Conv]
	if room == nil {
		return
	}
	delete(room, p.ID)
	if len(room) == 0 {
		delete(h.rooms, p.Conv)
	}
}

// broadcast writes payload to every peer in conv and returns how many
// accepted it.
func (h *hub) broadcast(conv int64, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, p := range h.rooms[conv] {
		if err := p.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// peers returns the number of peers subscribed to conv.
func (h *hub) peers(conv int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conv])
}

// closeAll disconnects every peer.
func (h *hub) closeAll(code int, reason string) {
	h.mu.Lock()
	var all []*peer
	for _, room := range h.rooms {
		for _, p := range room {
			all = append(all, p)
		}
	}
	h.rooms = make(map[int64]map[string]*peer)
	h.mu.Unlock()

	for _, p := range all {
		p.Close(code, reason)
	}
}
