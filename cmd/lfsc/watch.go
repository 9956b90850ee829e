package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/InsulaLabs/ledgerfs/client"
	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type mailboxMsg models.MailboxEvent

type streamEndedMsg struct{ err error }

type watchModel struct {
	account  string
	viewport viewport.Model
	lines    []string
	ready    bool
	err      error

	titleStyle  lipgloss.Style
	senderStyle lipgloss.Style
}

func newWatchModel(account string) *watchModel {
	return &watchModel{
		account:     account,
		titleStyle:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5")),
		senderStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
	}
}

func (m *watchModel) Init() tea.Cmd {
	return nil
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		// title and footer
		height := msg.Height - 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.refresh()
	case mailboxMsg:
		m.lines = append(m.lines, fmt.Sprintf("%4d %s %s",
			msg.Index, m.senderStyle.Render(msg.Message.Sender+":"), msg.Message.Contents))
		m.refresh()
	case streamEndedMsg:
		m.err = msg.err
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *watchModel) refresh() {
	if !m.ready {
		return
	}
	if len(m.lines) == 0 {
		m.viewport.SetContent("Waiting for messages...")
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *watchModel) View() string {
	if !m.ready {
		return "Connecting..."
	}
	title := m.titleStyle.Render("mailbox " + m.account)
	footer := lipgloss.NewStyle().Faint(true).Render("q to quit")
	return title + "\n" + m.viewport.View() + "\n" + footer
}

// handleWatch streams fresh mailbox deliveries into a scrolling view.
func handleWatch(ctx context.Context, c *client.Client, args []string) error {
	if len(args) > 1 {
		return usageError{}
	}
	account := ""
	if len(args) == 1 {
		account = args[0]
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	label := account
	if label == "" {
		label = "(own)"
	}
	model := newWatchModel(label)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		err := c.SubscribeMailbox(ctx, account, func(ev models.MailboxEvent) {
			p.Send(mailboxMsg(ev))
		})
		if !errors.Is(err, context.Canceled) {
			p.Send(streamEndedMsg{err: err})
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return model.err
}
