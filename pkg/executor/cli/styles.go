package cli

import "github.com/charmbracelet/lipgloss"

var (
	salmonPink  = lipgloss.Color("#FFB3BA")
	coralPink   = lipgloss.Color("#FFCCCB")
	mintGreen   = lipgloss.Color("#A8E6CF")
	mutedGray   = lipgloss.Color("#6B7280")
	brightWhite = lipgloss.Color("#F9FAFB")
	diffRed     = lipgloss.Color("#F87171")
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(salmonPink).
			Bold(true)

	tipsStyle = lipgloss.NewStyle().
			Foreground(mutedGray)

	assistantStyle = lipgloss.NewStyle().
			Foreground(coralPink).
			Bold(true)

	thinkingStyle = lipgloss.NewStyle().
			Foreground(mutedGray).
			Italic(true)

	toolStyle = lipgloss.NewStyle().
			Foreground(mintGreen)

	toolResultStyle = lipgloss.NewStyle().
			Foreground(brightWhite)

	errorStyle = lipgloss.NewStyle().
			Foreground(salmonPink)

	noticeStyle = lipgloss.NewStyle().
			Foreground(coralPink).
			Italic(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(mutedGray)

	approvalBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(salmonPink).
				Padding(0, 1)

	diffAddStyle  = lipgloss.NewStyle().Foreground(mintGreen)
	diffDelStyle  = lipgloss.NewStyle().Foreground(diffRed)
	diffHunkStyle = lipgloss.NewStyle().Foreground(mutedGray)
)
