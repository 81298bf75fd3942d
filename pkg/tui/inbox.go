package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vango-go/vai-clone/pkg/reveal"
	"github.com/vango-go/vai-clone/pkg/session"
)

type (
	sessionMessageMsg struct{ msg session.Message }
	sessionErrorMsg   struct{ err error }
	sessionStateMsg   struct{ state session.State }
	connectionMsg     struct{ connected bool }
	revealUpdateMsg   struct {
		id    string
		state reveal.State
	}
	revealDoneMsg struct{ id string }
	bannerMsg     struct{}
)

// Inbox carries callbacks from session, reveal and banner goroutines into
// the program's update loop. Its methods match the session adapter's
// callback options.
type Inbox struct {
	ch        chan tea.Msg
	done      chan struct{}
	closeOnce sync.Once
}

func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = 256
	}
	return &Inbox{ch: make(chan tea.Msg, size), done: make(chan struct{})}
}

func (in *Inbox) OnMessage(msg session.Message) { in.push(sessionMessageMsg{msg: msg}) }

func (in *Inbox) OnError(err error) { in.push(sessionErrorMsg{err: err}) }

func (in *Inbox) OnStateChange(s session.State) { in.push(sessionStateMsg{state: s}) }

func (in *Inbox) OnConnectionChange(connected bool) { in.push(connectionMsg{connected: connected}) }

// Close unblocks pending senders. Later pushes are dropped.
func (in *Inbox) Close() {
	in.closeOnce.Do(func() { close(in.done) })
}

func (in *Inbox) push(msg tea.Msg) {
	select {
	case in.ch <- msg:
	case <-in.done:
	}
}

// offer queues msg unless the inbox is full. It never blocks, so it is
// safe to call from the update loop itself.
func (in *Inbox) offer(msg tea.Msg) {
	select {
	case <-in.done:
	case in.ch <- msg:
	default:
	}
}

// wait delivers one queued message to the program.
func (in *Inbox) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-in.ch:
			return msg
		case <-in.done:
			return nil
		}
	}
}
