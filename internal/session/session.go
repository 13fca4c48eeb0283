// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package session holds the credentials and identity of the logged in user.
//
// A Session is created once per running client and passed explicitly to every
// component that needs to authenticate.
package session // import "soulcare.app/soulchat/internal/session"

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var (
	// ErrNoUser is returned when the user ID cannot be determined from a token.
	ErrNoUser = errors.New("token does not contain a user_id claim")

	// ErrUnauthenticated is returned by any component whose request was
	// rejected because the access token is missing, invalid, or expired.
	ErrUnauthenticated = errors.New("not authenticated")
)

// Session is the access token and user ID of the local user.
// It is safe for concurrent use.
type Session struct {
	mu     sync.RWMutex
	token  string
	userID int64
}

// New returns a session for the given user.
// If userID is zero an attempt is made to read it from the token.
func New(userID int64, token string) (*Session, error) {
	if userID == 0 {
		var err error
		userID, err = UserIDFromToken(token)
		if err != nil {
			return nil, err
		}
	}
	return &Session{
		token:  token,
		userID: userID,
	}, nil
}

// Token returns the current access token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken replaces the access token, for example after the user logs in
// again.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// UserID returns the ID of the local user.
func (s *Session) UserID() int64 {
	return s.userID
}

// UserIDFromToken extracts the user_id claim from an unverified JWT.
// The token is only inspected, the server remains responsible for verifying
// it.
func UserIDFromToken(token string) (int64, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return 0, ErrNoUser
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return 0, fmt.Errorf("error decoding token payload: %w", err)
	}
	d := json.NewDecoder(bytes.NewReader(payload))
	d.UseNumber()
	var claims map[string]interface{}
	if err := d.Decode(&claims); err != nil {
		return 0, fmt.Errorf("error decoding token claims: %w", err)
	}
	switch v := claims["user_id"].(type) {
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, ErrNoUser
}

// ReadTokenFile reads an access token from a file, ignoring surrounding
// whitespace.
func ReadTokenFile(path string) (string, error) {
	/* #nosec */
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("token file %q is empty", path)
	}
	return token, nil
}

// WatchTokenFile reloads the token whenever the file at path is written and
// calls onChange with the new token.
// It blocks until ctx is canceled.
//
// The parent directory is watched instead of the file itself so that editors
// and tools that replace the file by renaming are handled.
func (s *Session) WatchTokenFile(ctx context.Context, path string, debug *log.Logger, onChange func(token string)) error {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			debug.Printf("error closing token watcher: %v", err)
		}
	}()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			debug.Printf("error watching token file: %v", err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			token, err := ReadTokenFile(path)
			if err != nil {
				debug.Printf("error reloading token: %v", err)
				continue
			}
			if token == s.Token() {
				continue
			}
			s.SetToken(token)
			if onChange != nil {
				onChange(token)
			}
		}
	}
}
