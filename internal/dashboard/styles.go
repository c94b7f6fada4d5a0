package dashboard

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/spec-kit/triage-service/internal/domain"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	liveStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	categoryStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	statusStyle   = lipgloss.NewStyle().Border(lipgloss.NormalBorder(), false, true).Padding(0, 1)
	draftStyle    = lipgloss.NewStyle().Italic(true)
	cardStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("240")).
			PaddingLeft(1)

	urgencyColors = map[domain.Urgency]lipgloss.Color{
		domain.UrgencyHigh:   lipgloss.Color("196"),
		domain.UrgencyMedium: lipgloss.Color("220"),
		domain.UrgencyLow:    lipgloss.Color("34"),
	}
)

func urgencyBadge(u *domain.Urgency) string {
	if u == nil {
		return ""
	}
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("231")).
		Background(urgencyColors[*u]).
		Padding(0, 1).
		Render(string(*u))
}
