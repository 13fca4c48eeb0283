// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package ui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/text/message"
)

func modalClose(onEsc func()) func(event *tcell.EventKey) *tcell.EventKey {
	return func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' || event.Key() == tcell.KeyESC {
			onEsc()
			return nil
		}
		return event
	}
}

func delMessageModal(p *message.Printer, onEsc func(), onDel func()) *tview.Modal {
	removeButton := p.Sprintf("Delete")
	mod := tview.NewModal().
		SetText(p.Sprintf("Delete this message for everyone?")).
		SetBackgroundColor(tview.Styles.PrimitiveBackgroundColor).
		AddButtons([]string{p.Sprintf("Cancel"), removeButton}).
		SetDoneFunc(func(_ int, buttonLabel string) {
			if buttonLabel == removeButton {
				onDel()
			}
			onEsc()
		})
	mod.SetInputCapture(modalClose(onEsc))
	return mod
}
