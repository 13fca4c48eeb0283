// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package localerr_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"soulcare.app/soulchat/internal/localerr"
)

func TestWrap(t *testing.T) {
	p := message.NewPrinter(language.English)
	inner := errors.New("boom")
	err := localerr.Wrap(p, localerr.Channel, "connection lost after %d attempts: %v", 3, inner)
	if got := err.Error(); got != "connection lost after 3 attempts: boom" {
		t.Errorf("wrong message: %q", got)
	}
	if !errors.Is(err, inner) {
		t.Errorf("expected wrapped error to be found")
	}
	if k := localerr.KindOf(err); k != localerr.Channel {
		t.Errorf("wrong kind: want=%v, got=%v", localerr.Channel, k)
	}
	outer := fmt.Errorf("selecting conversation: %w", err)
	if k := localerr.KindOf(outer); k != localerr.Channel {
		t.Errorf("kind lost through fmt wrapping: got=%v", k)
	}
}

func TestWrapMultiple(t *testing.T) {
	p := message.NewPrinter(language.English)
	err := localerr.Wrap(p, localerr.Unauthenticated, "%v and %v", io.EOF, io.ErrUnexpectedEOF)
	if !errors.Is(err, io.EOF) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected both errors to be wrapped")
	}
}

func TestKindOfForeign(t *testing.T) {
	if k := localerr.KindOf(io.EOF); k != localerr.Transient {
		t.Errorf("foreign errors should be transient, got=%v", k)
	}
	if k := localerr.KindOf(nil); k != localerr.Transient {
		t.Errorf("nil should be transient, got=%v", k)
	}
}
