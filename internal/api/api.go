// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package api is a client for the REST endpoints of the chat backend.
package api // import "soulcare.app/soulchat/internal/api"

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"soulcare.app/soulchat/internal/chat"
	"soulcare.app/soulchat/internal/session"
)

// Errors returned for well known response codes.
var (
	ErrUnauthenticated = session.ErrUnauthenticated
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
)

// StatusError is returned when the server responds with an unexpected status.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("unexpected status code: %d (%s): %s", e.Code, http.StatusText(e.Code), e.Detail)
	}
	return fmt.Sprintf("unexpected status code: %d (%s)", e.Code, http.StatusText(e.Code))
}

// Is makes StatusError match the sentinel errors for its code.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.Code == http.StatusUnauthorized
	case ErrForbidden:
		return e.Code == http.StatusForbidden
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	}
	return false
}

// Client fetches conversations and messages over HTTP.
type Client struct {
	base  *url.URL
	sess  *session.Session
	http  *retryablehttp.Client
	debug *log.Logger
}

// Option is used to configure a client.
type Option func(*Client)

// Timeout sets the timeout of a single HTTP attempt.
// If no timeout is provided, the default is 30 seconds.
func Timeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.http.HTTPClient.Timeout = timeout
	}
}

// Retries sets how many times failed requests are retried and the bounds of
// the wait between attempts.
func Retries(max int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = max
		if waitMin > 0 {
			c.http.RetryWaitMin = waitMin
		}
		if waitMax > 0 {
			c.http.RetryWaitMax = waitMax
		}
	}
}

// New creates a client for the backend at server.
func New(server string, sess *session.Session, debug *log.Logger, opts ...Option) (*Client, error) {
	base, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("error parsing server address: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server scheme %q", base.Scheme)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	rc := retryablehttp.NewClient()
	rc.Logger = debug
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 30 * time.Second
	// Return the last response instead of a generic error once retries are
	// exhausted so that the status can be reported.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		base:  base,
		sess:  sess,
		http:  rc,
		debug: debug,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Contacts fetches the list of conversations of the local user.
func (c *Client) Contacts(ctx context.Context) ([]chat.Conversation, error) {
	var convs []chat.Conversation
	err := c.do(ctx, http.MethodGet, "api/chat/contacts/", &convs)
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// History fetches all messages of a conversation, oldest first.
// Fetching the history marks the messages as read on the server.
func (c *Client) History(ctx context.Context, conv int64) ([]chat.Message, error) {
	var msgs []chat.Message
	err := c.do(ctx, http.MethodGet, "api/chat/conversations/"+strconv.FormatInt(conv, 10)+"/messages/", &msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeleteMessage deletes a message that was sent by the local user.
// A message that no longer exists is treated as deleted since a retried
// request may find that an earlier attempt already succeeded.
func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	err := c.do(ctx, http.MethodDelete, "api/chat/messages/"+strconv.FormatInt(id, 10)+"/", nil)
	if errors.Is(err, ErrNotFound) {
		c.debug.Printf("message %d was already deleted", id)
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, v interface{}) error {
	u := c.base.ResolveReference(&url.URL{Path: path})
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if token := c.sess.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error performing %s %s: %w", method, u.Path, err)
	}
	defer func() {
		err := resp.Body.Close()
		if err != nil {
			c.debug.Printf("error when closing response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("error decoding %s response: %w", u.Path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	e := &StatusError{Code: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return e
	}
	var detail struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &detail) == nil {
		e.Detail = detail.Detail
	}
	return e
}
