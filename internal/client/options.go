// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/text/message"
	"golang.org/x/time/rate"
)

// Option is used to configure a client.
type Option func(*Client)

// Timeout sets a timeout for dialing and for writes to the live channel.
// If no timeout is provided, the default is 30 seconds.
func Timeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// Dialer sets the dialer used to make the underlying websocket connections.
//
// If this option is not provided, websocket.DefaultDialer is used.
func Dialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Tee mirrors frames from the live channel to the underlying writers similar
// to the tee(1) command.
//
// If a nil writer is provided for either argument, that direction will not be
// mirrored.
func Tee(in io.Writer, out io.Writer) Option {
	return func(c *Client) {
		if in != nil {
			c.win = in
		}
		if out != nil {
			c.wout = out
		}
	}
}

// Backoff configures the exponential delay between reconnect attempts.
// Zero values keep the defaults (500ms initial, 30s max, multiplier 2).
func Backoff(initial, max time.Duration, multiplier float64) Option {
	return func(c *Client) {
		c.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			if initial > 0 {
				b.InitialInterval = initial
			}
			if max > 0 {
				b.MaxInterval = max
			}
			if multiplier >= 1 {
				b.Multiplier = multiplier
			}
			b.Reset()
			return b
		}
	}
}

// MaxRetries sets how many consecutive failed reconnects are attempted before
// the channel gives up and closes.
// A negative value retries forever.
func MaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// SendRate limits how quickly messages can be sent on a channel.
func SendRate(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		c.sendLimit = limit
		c.sendBurst = burst
	}
}

// Printer sets the message printer used for log output.
func Printer(p *message.Printer) Option {
	return func(c *Client) {
		if p != nil {
			c.p = p
		}
	}
}
