// Copyright 2018 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package ui

import (
	"strings"

	"github.com/rivo/tview"
	"golang.org/x/text/message"

	"soulcare.app/soulchat/internal/chatsync"
	"soulcare.app/soulchat/internal/localerr"
)

func newStatusBar() *tview.TextView {
	bar := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	return bar
}

// formatStatus renders the channel state and any pending errors of a snapshot
// as a single line.
func formatStatus(p *message.Printer, snap chatsync.Snapshot) string {
	var parts []string
	switch snap.Status {
	case chatsync.Idle:
		parts = append(parts, p.Sprintf("%s no conversation open", "[silver]○[-]"))
	case chatsync.Connecting:
		parts = append(parts, p.Sprintf("%s connecting", "[orange]◓[-]"))
	case chatsync.Live:
		parts = append(parts, p.Sprintf("%s live", "[green]●[-]"))
	case chatsync.Reconnecting:
		parts = append(parts, p.Sprintf("%s reconnecting (attempt %d)", "[orange]◑[-]", snap.Attempt))
	case chatsync.Closed:
		parts = append(parts, p.Sprintf("%s disconnected, press R to reconnect", "[red]○[-]"))
	}
	if snap.StatusErr != nil {
		parts = append(parts, describe(p, snap.StatusErr))
	}
	if snap.Loading {
		parts = append(parts, p.Sprintf("loading history…"))
	}
	if snap.HistoryErr != nil {
		parts = append(parts, describe(p, snap.HistoryErr))
	}
	if snap.ListErr != nil {
		parts = append(parts, describe(p, snap.ListErr))
	}
	return strings.Join(parts, " · ")
}

func describe(p *message.Printer, err error) string {
	msg := tview.Escape(err.Error())
	switch localerr.KindOf(err) {
	case localerr.Unauthenticated:
		return p.Sprintf("[red]%s, update your token to continue[-]", msg)
	case localerr.Channel:
		return "[orange]" + msg + "[-]"
	}
	return "[red]" + msg + "[-]"
}
