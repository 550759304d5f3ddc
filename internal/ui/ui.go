// Package ui provides terminal styling helpers for CLI output.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// RenderAccent highlights a headline or action marker.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass styles a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles a failure marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted styles secondary detail text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }
