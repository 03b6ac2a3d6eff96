package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerLineStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	bannerNodeStyle  = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	bannerTitleStyle = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	bannerTagStyle   = lipgloss.NewStyle().Foreground(colorPrimaryLight).Italic(true)
)

// renderBanner draws a small splitter: one feed fanning out to drops.
func renderBanner() string {
	line := bannerLineStyle.Render
	node := bannerNodeStyle.Render("◆")
	drop := bannerNodeStyle.Render("●")
	title := bannerTitleStyle.Render("FIELDSCRIPT")

	lines := []string{
		"          " + line("╭──") + drop,
		"  " + line("───") + node + line("───┼──") + drop + "   " + title,
		"          " + line("╰──") + drop + "   " + bannerTagStyle.Render("written offline, synced later"),
	}
	return strings.Join(lines, "\n")
}
