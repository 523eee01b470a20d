package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/workflow"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	boldStyle    = lipgloss.NewStyle().Bold(true)
	bannerStyle  = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 2).
			Border(lipgloss.RoundedBorder())
)

func successMsg(format string, a ...any) string {
	return successStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func warnMsg(format string, a ...any) string {
	return warnStyle.Render("!") + " " + fmt.Sprintf(format, a...)
}

func errorMsg(format string, a ...any) string {
	return errorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

func infoMsg(format string, a ...any) string {
	return accentStyle.Render("●") + " " + fmt.Sprintf(format, a...)
}

// statusMark renders a step status as a one-character mark.
func statusMark(s workflow.Status) string {
	switch s {
	case workflow.StatusOK:
		return successStyle.Render("✓")
	case workflow.StatusFailed:
		return errorStyle.Render("✗")
	case workflow.StatusUnstable:
		return warnStyle.Render("~")
	case workflow.StatusRunning:
		return accentStyle.Render("…")
	default:
		return mutedStyle.Render("-")
	}
}

// progressBar renders fraction as a fixed width bar.
func progressBar(fraction float64, width int) string {
	n := int(fraction*float64(width) + 0.5)
	n = min(max(n, 0), width)
	return accentStyle.Render(strings.Repeat("█", n)) + mutedStyle.Render(strings.Repeat("░", width-n))
}

// renderTable renders a table with rounded borders.
func renderTable(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String()
}

// verdict renders the large pass/fail banner shown at the end of a run.
func verdict(res workflow.Result) string {
	switch {
	case res.Passed():
		return bannerStyle.BorderForeground(green).Foreground(green).Render("PASS " + res.Serial.String())
	case res.State == workflow.Completed && res.NeedsRerun && allPassedOrUnstable(res):
		return bannerStyle.BorderForeground(yellow).Foreground(yellow).Render("RERUN " + res.Serial.String())
	default:
		return bannerStyle.BorderForeground(red).Foreground(red).Render("FAIL " + res.Serial.String())
	}
}

func allPassedOrUnstable(res workflow.Result) bool {
	for _, s := range res.Steps {
		if s.Status != workflow.StatusOK && s.Status != workflow.StatusUnstable {
			return false
		}
	}
	return true
}

func resultTable(res workflow.Result) string {
	rows := make([][]string, 0, len(res.Steps))
	for _, s := range res.Steps {
		dur := ""
		if s.Duration > 0 {
			dur = s.Duration.Round(10 * time.Millisecond).String()
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", s.Index+1),
			statusMark(s.Status) + " " + s.Status.String(),
			s.Name,
			dur,
			s.Message,
		})
	}
	return renderTable([]string{"#", "Status", "Step", "Time", "Message"}, rows)
}
