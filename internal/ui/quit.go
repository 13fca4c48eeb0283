// Copyright 2018 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package ui

import (
	"github.com/rivo/tview"
	"golang.org/x/text/message"
)

func quitModal(p *message.Printer, done func(buttonIndex int, buttonLabel string)) *tview.Modal {
	mod := tview.NewModal().
		SetText(p.Sprintf("Are you sure you want to quit?")).
		AddButtons([]string{p.Sprintf("Quit"), p.Sprintf("Cancel")}).
		SetDoneFunc(done).
		SetBackgroundColor(tview.Styles.PrimitiveBackgroundColor)
	mod.SetInputCapture(modalClose(func() {
		done(-1, "")
	}))
	return mod
}
