// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"soulcare.app/soulchat/internal/chat"
	"soulcare.app/soulchat/internal/client/event"
	"soulcare.app/soulchat/internal/session"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 32
)

// Conn is a live channel for a single conversation.
// It is safe for concurrent use.
type Conn struct {
	ID           string
	Conversation int64

	c       *Client
	h       func(interface{})
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	out chan []byte
}

func newConn(c *Client, conv int64, h func(interface{}), ctx context.Context, cancel context.CancelFunc) *Conn {
	return &Conn{
		ID:           uuid.NewString(),
		Conversation: conv,
		c:            c,
		h:            h,
		limiter:      rate.NewLimiter(c.sendLimit, c.sendBurst),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Close stops the channel and returns immediately.
// The channel emits event.StatusClosed and then Done is closed.
// Close is idempotent.
func (conn *Conn) Close() error {
	conn.cancel()
	return nil
}

// Done returns a channel that is closed once the channel has stopped and will
// emit no more events.
func (conn *Conn) Done() <-chan struct{} {
	return conn.done
}

// Live reports whether the channel is currently connected.
func (conn *Conn) Live() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.out != nil
}

// Send transmits a chat message.
// It blocks while the send rate limit is exceeded.
// The message is not echoed locally, it arrives as an event.ChatMessage once
// the server has accepted it.
func (conn *Conn) Send(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	select {
	case <-conn.ctx.Done():
		return ErrClosed
	default:
	}
	if err := conn.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(chat.NewOutgoing(body))
	if err != nil {
		return err
	}

	conn.mu.Lock()
	out := conn.out
	conn.mu.Unlock()
	if out == nil {
		return ErrNotLive
	}
	select {
	case out <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBufferFull
	}
}

func (conn *Conn) run() {
	defer close(conn.done)
	defer conn.cancel()

	c := conn.c
	p := c.p
	b := c.newBackOff()
	conn.h(event.StatusConnecting{Conversation: conn.Conversation})

	var wasLive bool
	attempt := 0
	for {
		ws, err := c.dial(conn.ctx, conn.Conversation)
		switch {
		case conn.ctx.Err() != nil:
			if ws != nil {
				/* #nosec */
				ws.Close()
			}
			conn.h(event.StatusClosed{Conversation: conn.Conversation})
			return
		case errors.Is(err, session.ErrUnauthenticated):
			conn.h(event.Unauthenticated{Conversation: conn.Conversation, Err: err})
			conn.h(event.StatusClosed{Conversation: conn.Conversation, Err: err})
			return
		case err == nil:
			attempt = 0
			b.Reset()
			conn.h(event.StatusLive{Conversation: conn.Conversation, Resumed: wasLive})
			wasLive = true
			err = conn.serve(ws)
			if conn.ctx.Err() != nil {
				conn.h(event.StatusClosed{Conversation: conn.Conversation})
				return
			}
			c.debug.Print(p.Sprintf("live channel for conversation %d dropped: %v", conn.Conversation, err))
		}

		attempt++
		delay := b.NextBackOff()
		if (c.maxRetries >= 0 && attempt > c.maxRetries) || delay == backoff.Stop {
			conn.h(event.StatusClosed{
				Conversation: conn.Conversation,
				Err:          fmt.Errorf("%w: %w", ErrRetryExceeded, err),
			})
			return
		}
		conn.h(event.StatusReconnecting{
			Conversation: conn.Conversation,
			Attempt:      attempt,
			Delay:        delay,
			Err:          err,
		})
		t := time.NewTimer(delay)
		select {
		case <-conn.ctx.Done():
			t.Stop()
			conn.h(event.StatusClosed{Conversation: conn.Conversation})
			return
		case <-t.C:
		}
	}
}

// serve runs the read and write loops of a single websocket connection until
// either fails or the channel is closed.
func (conn *Conn) serve(ws *websocket.Conn) error {
	out := make(chan []byte, sendBuffer)
	conn.mu.Lock()
	conn.out = out
	conn.mu.Unlock()
	defer func() {
		conn.mu.Lock()
		conn.out = nil
		conn.mu.Unlock()
		if n := len(out); n > 0 {
			conn.c.logger.Print(conn.c.p.Sprintf("%d unsent messages were dropped when the connection was lost", n))
		}
	}()

	stop := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		conn.writeLoop(ws, out, stop)
	}()
	err := conn.readLoop(ws)
	close(stop)
	<-writeDone
	/* #nosec */
	ws.Close()
	return err
}

func (conn *Conn) readLoop(ws *websocket.Conn) error {
	c := conn.c
	ws.SetReadLimit(maxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if c.win != nil {
			/* #nosec */
			c.win.Write(payload)
		}
		ev, err := chat.Decode(payload)
		if err != nil {
			c.debug.Print(c.p.Sprintf("ignoring live event on conversation %d: %v", conn.Conversation, err))
			continue
		}
		switch e := ev.(type) {
		case chat.Message:
			conn.h(event.ChatMessage(e))
		case chat.Deleted:
			conn.h(event.DeleteMessage{Conversation: conn.Conversation, MessageID: e.MessageID})
		}
	}
}

// writeLoop coordinates all writes to ws. On any exit it closes the socket so
// that the read loop returns.
func (conn *Conn) writeLoop(ws *websocket.Conn, out <-chan []byte, stop <-chan struct{}) {
	c := conn.c
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() {
		/* #nosec */
		ws.Close()
	}()

	for {
		select {
		case <-stop:
			return
		case <-conn.ctx.Done():
			/* #nosec */
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "conversation closed"),
				time.Now().Add(c.timeout))
			return
		case payload := <-out:
			if err := ws.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.debug.Print(c.p.Sprintf("error writing to live channel: %v", err))
				return
			}
			if c.wout != nil {
				/* #nosec */
				c.wout.Write(payload)
			}
		case <-ticker.C:
			if err := ws.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
