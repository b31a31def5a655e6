package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// ByteProgress renders how far a file has been processed, for commands
// that print progress on a single rewritten line.
type ByteProgress struct {
	Label string
	Total int64
	bar   progress.Model
}

// NewByteProgress creates a bar sized for the terminal.
func NewByteProgress(label string, total int64) *ByteProgress {
	barWidth := GetTerminalWidth() - 40 // Leave room for the label and counters
	if barWidth < 20 {
		barWidth = 20
	}
	if barWidth > 50 {
		barWidth = 50
	}
	return &ByteProgress{
		Label: label,
		Total: total,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(barWidth),
		),
	}
}

// Percent returns the completed fraction in [0, 1].
func (p *ByteProgress) Percent(done int64) float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(done) / float64(p.Total)
	if pct > 1 {
		pct = 1
	}
	return pct
}

// Render returns the progress line for done bytes.
func (p *ByteProgress) Render(done int64) string {
	label := lipgloss.NewStyle().Foreground(TextColor).Render(p.Label)
	counts := lipgloss.NewStyle().Foreground(MutedColor).
		Render(fmt.Sprintf("%s / %s", FormatBytes(done), FormatBytes(p.Total)))
	return fmt.Sprintf("  %s %s %s", label, p.bar.ViewAs(p.Percent(done)), counts)
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
