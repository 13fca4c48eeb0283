// Copyright 2018 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ui ties together various widgets to create the main soulchat UI.
package ui // import "soulcare.app/soulchat/internal/ui"

import (
	"io"
	"log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"soulcare.app/soulchat/internal/chat"
	"soulcare.app/soulchat/internal/chatsync"
	"soulcare.app/soulchat/internal/escape"
	"soulcare.app/soulchat/internal/ui/event"
)

const (
	chatPageName   = "Chat"
	logsPageName   = "Logs"
	helpPageName   = "Help"
	quitPageName   = "Quit"
	deletePageName = "Delete"
)

// UI is a widget that combines other widgets to make the main UI.
type UI struct {
	app     *tview.Application
	flex    *tview.Flex
	pages   *tview.Pages
	convs   *Conversations
	chat    *Chat
	logs    *tview.TextView
	status  *tview.TextView
	handler func(interface{})
	debug   *log.Logger
	p       *message.Printer

	userID     int64
	hideStatus bool
	listWidth  int
	capture    func(*tcell.EventKey) *tcell.EventKey
	showLogs   bool
}

// Option can be used to configure a new UI.
type Option func(*UI)

// ShowStatus returns an option that shows or hides the last message preview
// under each conversation.
func ShowStatus(show bool) Option {
	return func(ui *UI) {
		ui.hideStatus = !show
	}
}

// Width returns an option that sets the width of the conversation list.
// It accepts a minimum of 2 and a max of 50 the default is 30.
func Width(width int) Option {
	return func(ui *UI) {
		switch {
		case width == 0:
			ui.listWidth = 30
		case width < 2:
			ui.listWidth = 2
		case width > 50:
			ui.listWidth = 50
		default:
			ui.listWidth = width
		}
	}
}

// Handler configures a handler function to be used for events emitted by the
// UI.
func Handler(h func(interface{})) Option {
	return func(ui *UI) {
		ui.handler = h
	}
}

// Debug configures the UI to log to the provided debug logger.
func Debug(l *log.Logger) Option {
	return func(ui *UI) {
		ui.debug = l
	}
}

// UserID sets the ID of the local user so that their messages can be told
// apart.
func UserID(id int64) Option {
	return func(ui *UI) {
		ui.userID = id
	}
}

// Printer sets the message printer used for all UI strings.
func Printer(p *message.Printer) Option {
	return func(ui *UI) {
		if p != nil {
			ui.p = p
		}
	}
}

// InputCapture sets a function that is called on every key event before it is
// handled by the UI.
func InputCapture(f func(*tcell.EventKey) *tcell.EventKey) Option {
	return func(ui *UI) {
		ui.capture = f
	}
}

// New constructs a new UI.
func New(opts ...Option) *UI {
	ui := &UI{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		handler:   func(interface{}) {},
		debug:     log.New(io.Discard, "", 0),
		p:         message.NewPrinter(language.English),
		listWidth: 30,
	}
	for _, o := range opts {
		o(ui)
	}

	ui.convs = newConversations(ui.p, func(id int64) {
		ui.debug.Printf("opening conversation %d", id)
		ui.handler(event.SelectConversation(id))
		ui.app.SetFocus(ui.chat)
	})
	ui.convs.ShowStatus(!ui.hideStatus)
	ui.chat = newChat(ui.p, ui.userID,
		func() {
			ui.app.SetFocus(ui.convs)
		},
		func(text string) {
			ui.handler(event.SendMessage(text))
		},
		func(id int64) {
			ui.pages.AddPage(deletePageName, delMessageModal(ui.p, ui.closeModal(deletePageName), func() {
				ui.handler(event.DeleteMessage(id))
			}), true, true)
		},
	)
	ui.logs = newLogs(ui.p, ui.app)
	ui.status = newStatusBar()

	ui.pages.AddPage(chatPageName, ui.chat, true, true)
	ui.pages.AddPage(logsPageName, ui.logs, true, false)

	ltrFlex := tview.NewFlex().
		AddItem(ui.convs, ui.listWidth, 1, true).
		AddItem(ui.pages, 0, 1, false)
	ui.flex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(ltrFlex, 0, 1, true).
		AddItem(ui.status, 1, 1, false)

	ui.app.SetRoot(ui.flex, true).
		SetInputCapture(ui.inputCapture)
	return ui
}

func (ui *UI) closeModal(name string) func() {
	return func() {
		ui.pages.RemovePage(name)
		ui.app.SetFocus(ui.chat)
	}
}

func (ui *UI) inputCapture(ev *tcell.EventKey) *tcell.EventKey {
	if ui.capture != nil {
		if ev = ui.capture(ev); ev == nil {
			return nil
		}
	}
	// Modals handle their own keys.
	if name, _ := ui.pages.GetFrontPage(); name == helpPageName || name == quitPageName || name == deletePageName {
		return ev
	}
	if ev.Key() == tcell.KeyTab || ev.Key() == tcell.KeyBacktab {
		if ui.convs.HasFocus() {
			ui.app.SetFocus(ui.chat)
		} else {
			ui.app.SetFocus(ui.convs)
		}
		return nil
	}
	if !ui.convs.HasFocus() || ui.convs.Searching() || ev.Key() != tcell.KeyRune {
		return ev
	}

	switch ev.Rune() {
	case 'q':
		ui.ShowQuitPrompt()
		return nil
	case '?':
		ui.pages.AddPage(helpPageName, helpModal(ui.p, func() {
			ui.pages.RemovePage(helpPageName)
			ui.app.SetFocus(ui.convs)
		}), true, true)
		return nil
	case 'j':
		return tcell.NewEventKey(tcell.KeyDown, 0, tcell.ModNone)
	case 'k':
		return tcell.NewEventKey(tcell.KeyUp, 0, tcell.ModNone)
	case 'o':
		ui.convs.NextUnread()
		return nil
	case 'r':
		ui.handler(event.Refresh{})
		return nil
	case 'R':
		ui.handler(event.Reconnect{})
		return nil
	case 'L':
		ui.showLogs = !ui.showLogs
		if ui.showLogs {
			ui.pages.SwitchToPage(logsPageName)
		} else {
			ui.pages.SwitchToPage(chatPageName)
		}
		return nil
	}
	return ev
}

// ShowQuitPrompt asks the user to confirm that they want to quit.
func (ui *UI) ShowQuitPrompt() {
	ui.pages.AddPage(quitPageName, quitModal(ui.p, func(buttonIndex int, _ string) {
		ui.pages.RemovePage(quitPageName)
		if buttonIndex == 0 {
			ui.handler(event.Quit{})
			return
		}
		ui.app.SetFocus(ui.convs)
	}), true, true)
}

// Handle configures the handler for events emitted by the UI.
// It must be called before Run.
func (ui *UI) Handle(h func(interface{})) {
	ui.handler = h
}

// Printer returns the message printer used by the UI.
func (ui *UI) Printer() *message.Printer {
	return ui.p
}

// Run starts the application event loop and blocks until Stop is called.
func (ui *UI) Run() error {
	return ui.app.Run()
}

// Stop stops the application event loop.
func (ui *UI) Stop() {
	ui.app.Stop()
}

// Write writes to the logging text view.
func (ui *UI) Write(p []byte) (n int, err error) {
	return ui.logs.Write(p)
}

// Render schedules a redraw with the state from snap.
// It is safe to call from any goroutine.
func (ui *UI) Render(snap chatsync.Snapshot) {
	ui.app.QueueUpdateDraw(func() {
		ui.render(snap)
	})
}

func (ui *UI) render(snap chatsync.Snapshot) {
	ui.convs.Set(snap.Conversations, snap.Selected)
	ui.status.SetText(formatStatus(ui.p, snap))

	if snap.Selected == 0 {
		return
	}
	ui.chat.SetTitle(conversationTitle(ui.p, snap.Conversations, snap.Selected))
	var note string
	if snap.Loading && len(snap.Messages) > 0 {
		note = ui.p.Sprintf("Showing cached messages, loading…")
	}
	ui.chat.SetMessages(snap.Messages, note)
}

func conversationTitle(p *message.Printer, convs []chat.Conversation, selected int64) string {
	for _, c := range convs {
		if c.ID != selected {
			continue
		}
		title := escape.String(c.Other.DisplayName())
		if c.Other.Role != "" {
			title = p.Sprintf("%s (%s)", title, escape.String(c.Other.Role))
		}
		return title
	}
	return p.Sprintf("Conversation")
}
