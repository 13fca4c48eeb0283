// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package ui

import (
	"github.com/rivo/tview"
	"golang.org/x/text/message"
)

func helpModal(p *message.Printer, onEsc func()) *tview.Modal {
	// U+20E3 COMBINING ENCLOSING KEYCAP
	mod := tview.NewModal().
		SetText(p.Sprintf(`Global:

q⃣: quit or close
⎋⃣: close
?⃣: help
⇥⃣: switch between the list and the conversation
L⃣: show or hide logs


Conversations:

j⃣, ↓⃣ move down
k⃣, ↑⃣ move up
⏎⃣ open conversation
/⃣ search by name
o⃣ next unread
r⃣ refresh list
R⃣ reconnect


Conversation:

⏎⃣ send
↑⃣, ↓⃣ select one of your messages
^⃣D⃣ delete the selected message
`)).
		SetDoneFunc(func(int, string) {
			onEsc()
		}).
		SetBackgroundColor(tview.Styles.PrimitiveBackgroundColor)
	mod.SetInputCapture(modalClose(onEsc))
	return mod
}
