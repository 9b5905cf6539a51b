package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/naia/internal/doctor"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	labelStyle = lipgloss.NewStyle().Width(16)
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func statusBadge(status string) string {
	switch status {
	case doctor.StatusPass:
		return passStyle.Render("PASS")
	case doctor.StatusWarn:
		return warnStyle.Render("WARN")
	case doctor.StatusFail:
		return failStyle.Render("FAIL")
	default:
		return dimStyle.Render(status)
	}
}

func yesNo(v bool, yes, no string) string {
	if v {
		return passStyle.Render(yes)
	}
	return warnStyle.Render(no)
}
