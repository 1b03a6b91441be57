package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/roborev-dev/prwatch/internal/review"
)

var (
	repoStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "242", Dark: "246"})
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "124", Dark: "196"})

	statusStyles = map[review.RunStatus]lipgloss.Style{
		review.StatusRunning:           lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "136", Dark: "226"}),
		review.StatusWaitingForComment: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "25", Dark: "39"}),
		review.StatusDone:              lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "46"}),
		review.StatusNotFound:          dimStyle,
	}
)

const titleWidth = 48

// printer renders CLI output, with colour only when writing to a terminal.
type printer struct {
	w     io.Writer
	color bool
	now   func() time.Time
}

func newPrinter(w io.Writer, color bool) *printer {
	return &printer{w: w, color: color, now: time.Now}
}

func (p *printer) paint(style lipgloss.Style, s string) string {
	if !p.color {
		return s
	}
	return style.Render(s)
}

func (p *printer) status(s review.RunStatus) string {
	style, ok := statusStyles[s]
	if !ok {
		return s.Label()
	}
	return p.paint(style, s.Label())
}

// Result prints each repository section, its PRs and their agents.
func (p *printer) Result(result review.CycleResult) {
	if !result.HasOpenPRs() {
		fmt.Fprintln(p.w, "No open pull requests.")
		return
	}
	for i, section := range result.Sections {
		if i > 0 {
			fmt.Fprintln(p.w)
		}
		fmt.Fprintln(p.w, p.paint(repoStyle, section.FullName))
		for _, pr := range section.PRs {
			p.pullRequest(pr)
		}
	}
}

func (p *printer) pullRequest(pr review.PullRequestItem) {
	title := padRight(truncate(pr.Title, titleWidth), titleWidth)
	meta := fmt.Sprintf("@%s, %s", pr.Author, formatAge(p.now(), pr.UpdatedAt))
	line := fmt.Sprintf("  #%-5d %s  %s", pr.Number, title, p.paint(dimStyle, meta))
	if len(pr.Agents) > 0 {
		line += "  " + p.status(pr.Status())
	}
	fmt.Fprintln(p.w, line)

	for _, a := range pr.Agents {
		detail := p.status(a.Status)
		switch {
		case a.Status == review.StatusDone && a.CommentCount > 0:
			detail += p.paint(dimStyle, fmt.Sprintf(" (%s)", plural(a.CommentCount, "comment")))
		case a.Conclusion != "" && a.Status != review.StatusRunning:
			detail += p.paint(dimStyle, fmt.Sprintf(" (%s)", a.Conclusion))
		}
		fmt.Fprintf(p.w, "         %s %s\n", padRight(truncate(a.DisplayName, 20), 20), detail)
	}
}

// Error prints a failure line.
func (p *printer) Error(msg string) {
	fmt.Fprintln(p.w, p.paint(errorStyle, msg))
}

func truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "...")
}

func padRight(s string, width int) string {
	return runewidth.FillRight(s, width)
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// formatAge renders how long ago t was, coarsely.
func formatAge(now, t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func formatUntil(now, t time.Time) string {
	if t.IsZero() {
		return "not scheduled"
	}
	d := t.Sub(now).Round(time.Second)
	if d <= 0 {
		return "due"
	}
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	return "in " + s
}
