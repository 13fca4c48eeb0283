// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package ui

import (
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/text/message"

	"soulcare.app/soulchat/internal/chat"
	"soulcare.app/soulchat/internal/escape"
)

const timeFormat = "Jan 2 15:04"

// Chat is a tview.Primitive that draws the history of the open conversation
// and an input field for new messages.
//
// All keys except navigation keys are passed to the input field.
// Up and Down move a highlight over the user's own messages and Ctrl-D asks to
// delete the highlighted message.
type Chat struct {
	*tview.Flex
	history *tview.TextView
	input   *tview.InputField
	p       *message.Printer
	userID  int64

	own         []int64
	highlighted int64

	onEsc    func()
	onSend   func(string)
	onDelete func(int64)
}

func newChat(p *message.Printer, userID int64, onEsc func(), onSend func(string), onDelete func(int64)) *Chat {
	c := &Chat{
		Flex:     tview.NewFlex().SetDirection(tview.FlexRow),
		history:  tview.NewTextView(),
		input:    tview.NewInputField(),
		p:        p,
		userID:   userID,
		onEsc:    onEsc,
		onSend:   onSend,
		onDelete: onDelete,
	}
	c.history.SetDynamicColors(true).
		SetRegions(true).
		SetWordWrap(true).
		SetText(p.Sprintf("Select a conversation to start chatting."))
	c.history.SetBorder(true).SetTitle(p.Sprintf("Conversation"))
	c.input.SetFieldBackgroundColor(tview.Styles.PrimitiveBackgroundColor).
		SetPlaceholder(p.Sprintf("Type a message…"))
	c.input.SetBorder(true)
	c.Flex.AddItem(c.history, 0, 100, false)
	c.Flex.AddItem(c.input, 3, 1, true)
	return c
}

// SetTitle sets the title of the history pane.
func (c *Chat) SetTitle(title string) {
	c.history.SetTitle(title)
}

// SetMessages replaces the displayed history.
// If the highlighted message is gone the highlight is cleared.
func (c *Chat) SetMessages(msgs []chat.Message, note string) {
	c.own = c.own[:0]
	keep := false
	for _, m := range msgs {
		if m.Sender.ID != c.userID {
			continue
		}
		c.own = append(c.own, m.ID)
		if m.ID == c.highlighted {
			keep = true
		}
	}
	if !keep {
		c.highlighted = 0
	}

	text := formatHistory(c.p, c.userID, msgs)
	if note != "" {
		text += "\n[gray]" + note + "[-]\n"
	}
	c.history.SetText(text)
	if c.highlighted != 0 {
		c.history.Highlight(regionID(c.highlighted))
		c.history.ScrollToHighlight()
		return
	}
	c.history.Highlight()
	c.history.ScrollToEnd()
}

// Highlighted returns the ID of the highlighted message or 0.
func (c *Chat) Highlighted() int64 {
	return c.highlighted
}

func (c *Chat) moveHighlight(delta int) {
	if len(c.own) == 0 {
		return
	}
	idx := -1
	for i, id := range c.own {
		if id == c.highlighted {
			idx = i
			break
		}
	}
	switch {
	case idx == -1 && delta < 0:
		idx = len(c.own) - 1
	case idx == -1:
		return
	default:
		idx += delta
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.own) {
		c.highlighted = 0
		c.history.Highlight()
		c.history.ScrollToEnd()
		return
	}
	c.highlighted = c.own[idx]
	c.history.Highlight(regionID(c.highlighted))
	c.history.ScrollToHighlight()
}

// InputHandler implements tview.Primitive for Chat.
func (c *Chat) InputHandler() func(event *tcell.EventKey, setFocus func(p tview.Primitive)) {
	return c.Flex.WrapInputHandler(func(event *tcell.EventKey, setFocus func(p tview.Primitive)) {
		switch event.Key() {
		case tcell.KeyESC:
			if c.highlighted != 0 {
				c.moveHighlight(len(c.own))
				return
			}
			if c.onEsc != nil {
				c.onEsc()
			}
			return
		case tcell.KeyUp:
			c.moveHighlight(-1)
			return
		case tcell.KeyDown:
			c.moveHighlight(1)
			return
		case tcell.KeyCtrlD:
			if c.highlighted != 0 && c.onDelete != nil {
				c.onDelete(c.highlighted)
			}
			return
		case tcell.KeyEnter:
			text := c.input.GetText()
			if strings.TrimSpace(text) == "" {
				return
			}
			c.input.SetText("")
			if c.onSend != nil {
				c.onSend(text)
			}
			return
		}
		if h := c.input.InputHandler(); h != nil {
			h(event, setFocus)
		}
	})
}

func regionID(id int64) string {
	return "m" + strconv.FormatInt(id, 10)
}

// formatHistory renders msgs with one region per message so that individual
// messages can be highlighted.
func formatHistory(p *message.Printer, userID int64, msgs []chat.Message) string {
	if len(msgs) == 0 {
		return p.Sprintf("[gray]No messages yet.[-]")
	}
	var b strings.Builder
	for _, m := range msgs {
		color := "blue"
		if m.Sender.ID == userID {
			color = "green"
		}
		b.WriteString(`["` + regionID(m.ID) + `"]`)
		b.WriteString("[gray]" + m.Timestamp.Local().Format(timeFormat) + "[-] ")
		b.WriteString("[" + color + "::b]" + escape.String(m.Sender.DisplayName()) + "[-::-] ")
		b.WriteString(escape.String(m.Content))
		b.WriteString(`[""]`)
		b.WriteString("\n")
	}
	return b.String()
}
