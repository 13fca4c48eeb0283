// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package ui

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/text/cases"
	"golang.org/x/text/message"

	"soulcare.app/soulchat/internal/chat"
	"soulcare.app/soulchat/internal/escape"
)

const (
	highlightTag = "[::b]"
	previewLen   = 40
)

// Conversations is a tview.Primitive that draws the conversation list with a
// search field above it.
// Items with unread messages are highlighted and show the unread count.
type Conversations struct {
	*tview.Flex
	list   *tview.List
	search *tview.InputField
	p      *message.Printer

	itemLock *sync.Mutex
	items    []chat.Conversation
	shown    []int64
	query    string
	selected int64
	onSelect func(int64)
}

// newConversations creates a new conversation list.
// onSelect is called with the conversation ID when an item is chosen.
func newConversations(p *message.Printer, onSelect func(int64)) *Conversations {
	c := &Conversations{
		Flex:     tview.NewFlex(),
		list:     tview.NewList(),
		search:   tview.NewInputField(),
		p:        p,
		itemLock: &sync.Mutex{},
		onSelect: onSelect,
	}
	c.list.SetHighlightFullLine(true)
	c.search.SetPlaceholder(p.Sprintf("Search")).
		SetFieldBackgroundColor(tview.Styles.PrimitiveBackgroundColor).
		SetChangedFunc(c.Filter)
	c.Flex.SetDirection(tview.FlexRow).
		AddItem(c.search, 1, 1, false).
		AddItem(c.list, 0, 1, true)
	c.Flex.SetBorder(true).
		SetBorderPadding(0, 0, 1, 0).
		SetTitle(p.Sprintf("Conversations"))
	return c
}

// Set replaces the items in the list.
// The cursor stays on the same conversation if it is still shown.
func (c *Conversations) Set(convs []chat.Conversation, selected int64) {
	c.itemLock.Lock()
	defer c.itemLock.Unlock()
	c.items = convs
	c.selected = selected
	c.redraw()
}

// Filter shows only the conversations whose participant matches q.
func (c *Conversations) Filter(q string) {
	c.itemLock.Lock()
	defer c.itemLock.Unlock()
	c.query = q
	c.redraw()
}

// redraw must be called with itemLock held.
func (c *Conversations) redraw() {
	current := c.selected
	if idx := c.list.GetCurrentItem(); idx >= 0 && idx < len(c.shown) {
		current = c.shown[idx]
	}

	c.list.Clear()
	c.shown = c.shown[:0]
	cursor := 0
	for _, conv := range c.items {
		if !matches(conv, c.query) {
			continue
		}
		if conv.ID == current {
			cursor = len(c.shown)
		}
		id := conv.ID
		primary, secondary := formatConversation(c.p, conv, id == c.selected)
		c.list.AddItem(primary, secondary, 0, func() {
			if c.onSelect != nil {
				c.onSelect(id)
			}
		})
		c.shown = append(c.shown, id)
	}
	if len(c.shown) > 0 {
		c.list.SetCurrentItem(cursor)
	}
}

// Len returns the number of conversations shown.
func (c *Conversations) Len() int {
	c.itemLock.Lock()
	defer c.itemLock.Unlock()
	return len(c.shown)
}

// GetSelected returns the conversation under the cursor.
func (c *Conversations) GetSelected() (chat.Conversation, bool) {
	c.itemLock.Lock()
	defer c.itemLock.Unlock()
	idx := c.list.GetCurrentItem()
	if idx < 0 || idx >= len(c.shown) {
		return chat.Conversation{}, false
	}
	for _, conv := range c.items {
		if conv.ID == c.shown[idx] {
			return conv, true
		}
	}
	return chat.Conversation{}, false
}

// NextUnread moves the cursor to the next conversation with unread messages,
// wrapping at the end of the list.
func (c *Conversations) NextUnread() bool {
	c.itemLock.Lock()
	defer c.itemLock.Unlock()
	unread := make(map[int64]bool, len(c.items))
	for _, conv := range c.items {
		unread[conv.ID] = conv.Unread > 0
	}
	n := len(c.shown)
	start := c.list.GetCurrentItem()
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		if unread[c.shown[idx]] {
			c.list.SetCurrentItem(idx)
			return true
		}
	}
	return false
}

// ShowStatus shows or hides the last message preview under each item.
func (c *Conversations) ShowStatus(show bool) {
	c.list.ShowSecondaryText(show)
}

// Searching reports whether the search field has focus.
func (c *Conversations) Searching() bool {
	return c.search.HasFocus()
}

// InputHandler implements tview.Primitive for Conversations.
func (c *Conversations) InputHandler() func(event *tcell.EventKey, setFocus func(p tview.Primitive)) {
	return c.Flex.WrapInputHandler(func(event *tcell.EventKey, setFocus func(p tview.Primitive)) {
		if c.search.HasFocus() {
			switch event.Key() {
			case tcell.KeyEnter, tcell.KeyESC, tcell.KeyDown:
				setFocus(c.list)
				return
			}
			if h := c.search.InputHandler(); h != nil {
				h(event, setFocus)
			}
			return
		}
		if event.Key() == tcell.KeyRune && event.Rune() == '/' {
			setFocus(c.search)
			return
		}
		if h := c.list.InputHandler(); h != nil {
			h(event, setFocus)
		}
	})
}

// matches reports whether q occurs in the full name or username of the other
// participant, ignoring case.
func matches(conv chat.Conversation, q string) bool {
	q = strings.TrimSpace(q)
	if q == "" {
		return true
	}
	fold := cases.Fold()
	q = fold.String(q)
	return strings.Contains(fold.String(conv.Other.FullName), q) ||
		strings.Contains(fold.String(conv.Other.Username), q)
}

// formatConversation returns the main and secondary text of a list item.
func formatConversation(p *message.Printer, conv chat.Conversation, selected bool) (string, string) {
	primary := escape.String(conv.Other.DisplayName())
	if conv.Unread > 0 && !selected {
		primary = highlightTag + primary + " [red](" + strconv.Itoa(conv.Unread) + ")[-]"
	}

	if conv.LastMessage == nil {
		return primary, p.Sprintf("  No messages yet")
	}
	preview, _, _ := strings.Cut(conv.LastMessage.Content, "\n")
	if r := []rune(preview); len(r) > previewLen {
		preview = string(r[:previewLen-1]) + "…"
	}
	return primary, "  " + escape.String(preview)
}
