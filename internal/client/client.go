// Copyright 2018 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package client opens live channels to the chat backend.
//
// A channel delivers the events of exactly one conversation and keeps itself
// connected: transport errors move it to a reconnecting state with
// exponential backoff until it is live again or runs out of retries.
package client // import "soulcare.app/soulchat/internal/client"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/time/rate"

	"soulcare.app/soulchat/internal/session"
)

// Errors returned by channels.
var (
	ErrNotLive       = errors.New("channel is not live")
	ErrClosed        = errors.New("channel closed")
	ErrBufferFull    = errors.New("send buffer full")
	ErrRetryExceeded = errors.New("too many failed reconnect attempts")
)

func noopHandler(interface{}) {}

// Client creates live channels.
type Client struct {
	server     *url.URL
	sess       *session.Session
	timeout    time.Duration
	logger     *log.Logger
	debug      *log.Logger
	win        io.Writer
	wout       io.Writer
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	maxRetries int
	sendLimit  rate.Limit
	sendBurst  int
	p          *message.Printer
}

// New creates a new client for the backend at server.
// The server address uses the http or https scheme, the matching websocket
// scheme is derived from it.
func New(server string, sess *session.Session, logger, debug *log.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("error parsing server address: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	c := &Client{
		server:     u,
		sess:       sess,
		timeout:    30 * time.Second,
		logger:     logger,
		debug:      debug,
		dialer:     websocket.DefaultDialer,
		maxRetries: 8,
		sendLimit:  rate.Limit(5),
		sendBurst:  10,
		p:          message.NewPrinter(language.English),
	}
	Backoff(0, 0, 0)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Printer returns the message printer that the client is using for
// translations.
func (c *Client) Printer() *message.Printer {
	return c.p
}

// Timeout is the dial and write timeout used by the client.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Open starts a live channel for the given conversation and returns
// immediately.
// Events from the channel are passed to h from a single goroutine until the
// channel emits event.StatusClosed.
func (c *Client) Open(conv int64, h func(interface{})) *Conn {
	if h == nil {
		h = noopHandler
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn := newConn(c, conv, h, ctx, cancel)
	go conn.run()
	return conn
}

func (c *Client) channelURL(conv int64) *url.URL {
	u := c.server.ResolveReference(&url.URL{Path: "ws/chat/" + strconv.FormatInt(conv, 10) + "/"})
	q := u.Query()
	q.Set("token", c.sess.Token())
	u.RawQuery = q.Encode()
	return u
}

func (c *Client) dial(ctx context.Context, conv int64) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.channelURL(conv)
	c.debug.Print(c.p.Sprintf("dialing %s://%s%s", u.Scheme, u.Host, u.Path))
	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		/* #nosec */
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("handshake rejected with %d: %w", resp.StatusCode, session.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("error dialing live channel: %w", err)
	}
	return ws, nil
}
