// Package dashboard renders the live ticket feed in a terminal.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/observer"
	"github.com/spec-kit/triage-service/internal/reconstruct"
)

// DefaultTypingDelay is the per-character pace of the draft animation.
const DefaultTypingDelay = 90 * time.Millisecond

// EventMsg delivers one feed event to the model.
type EventMsg struct{ Event events.Event }

// SeedMsg delivers tickets fetched over HTTP.
type SeedMsg struct{ Tickets []domain.Ticket }

// StateMsg reports a connection state change.
type StateMsg struct{ State observer.State }

// RetryMsg reports a scheduled reconnect.
type RetryMsg struct {
	Retry int
	Delay time.Duration
}

type tickMsg struct{}

// Model is the bubbletea model for the watch view.
type Model struct {
	board       *reconstruct.Board
	typingDelay time.Duration
	ticking     bool

	state    observer.State
	retry    RetryMsg
	cursor   int
	expanded map[string]bool
	width    int
	height   int
}

// NewModel builds a model around board.
func NewModel(board *reconstruct.Board, typingDelay time.Duration) Model {
	if typingDelay <= 0 {
		typingDelay = DefaultTypingDelay
	}
	return Model{
		board:       board,
		typingDelay: typingDelay,
		state:       observer.StateConnecting,
		expanded:    make(map[string]bool),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			if m.cursor < m.board.Len()-1 {
				m.cursor++
			}
		case "k", "up":
			if m.cursor > 0 {
				m.cursor--
			}
		case "enter", " ":
			views := m.board.Views()
			if m.cursor < len(views) {
				id := views[m.cursor].ID
				m.expanded[id] = !m.expanded[id]
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case EventMsg:
		m.board.Apply(msg.Event)
		return m.scheduleTick()

	case SeedMsg:
		m.board.Seed(msg.Tickets)
		return m.scheduleTick()

	case StateMsg:
		m.state = msg.State
		return m, nil

	case RetryMsg:
		m.retry = msg
		return m, nil

	case tickMsg:
		m.ticking = false
		m.board.Step()
		return m.scheduleTick()
	}
	return m, nil
}

// scheduleTick keeps exactly one tick in flight while any draft is typing.
func (m Model) scheduleTick() (tea.Model, tea.Cmd) {
	if m.ticking || !m.board.Typing() {
		return m, nil
	}
	m.ticking = true
	return m, tea.Tick(m.typingDelay, func(time.Time) tea.Msg { return tickMsg{} })
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Support triage"))
	b.WriteString("  ")
	b.WriteString(m.stateLine())
	b.WriteString("\n\n")

	views := m.board.Views()
	if len(views) == 0 {
		b.WriteString(dimStyle.Render("No tickets yet."))
		b.WriteString("\n")
	}
	for i, v := range views {
		b.WriteString(m.renderCard(v, i == m.cursor))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("j/k move  enter expand  q quit"))
	return b.String()
}

func (m Model) stateLine() string {
	switch m.state {
	case observer.StateOpen:
		return liveStyle.Render("● live")
	case observer.StateClosed:
		if m.retry.Retry > 0 {
			return warnStyle.Render(fmt.Sprintf("○ reconnecting in %s (retry %d)", m.retry.Delay, m.retry.Retry))
		}
		return warnStyle.Render("○ disconnected")
	}
	return dimStyle.Render("○ connecting")
}

func (m Model) renderCard(v reconstruct.View, selected bool) string {
	category := "Uncategorized"
	if v.Category != nil {
		category = string(*v.Category)
	}
	header := []string{
		categoryStyle.Render(strings.ToUpper(category)),
		urgencyBadge(v.Urgency),
		statusStyle.Render(string(v.Status)),
	}
	lines := []string{
		strings.Join(header, " "),
		truncate(v.Content, 100),
	}

	if m.expanded[v.ID] || selected {
		if v.Sentiment != nil {
			lines = append(lines, dimStyle.Render(fmt.Sprintf("Sentiment %d/10", *v.Sentiment)))
		}
		switch {
		case v.Status == domain.TicketStatusFailed && v.Error != nil:
			lines = append(lines, failStyle.Render("Failed: "+v.Error.Message))
		case v.Status == domain.TicketStatusResolved && v.FinalReply != nil:
			lines = append(lines, "Reply sent: "+*v.FinalReply)
		case v.Status == domain.TicketStatusPending && !v.HasDraft:
			lines = append(lines, dimStyle.Render("Generating response..."))
		case v.HasDraft:
			text := v.Displayed
			if v.Typing() {
				text += "▌"
			}
			lines = append(lines, draftStyle.Render(text))
		}
	}

	style := cardStyle
	if v.Urgency != nil && *v.Urgency == domain.UrgencyHigh {
		style = style.BorderForeground(lipgloss.Color("196"))
	}
	if selected {
		style = style.BorderForeground(lipgloss.Color("63"))
	}
	if m.width > 4 {
		style = style.Width(m.width - 4)
	}
	return style.Render(strings.Join(lines, "\n"))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
