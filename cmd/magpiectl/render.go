package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mikelund/magpie/catalog"
	"github.com/mikelund/magpie/downloads"
	"github.com/mikelund/magpie/jobqueue"
	"github.com/mikelund/magpie/reconciler"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	cancelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	barDone     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	barTodo     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

const barWidth = 30

func renderModels(models []catalog.Model) {
	if len(models) == 0 {
		fmt.Println(dimStyle.Render("no models"))
		return
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-36s %-12s %10s  %s", "NAME", "TYPE", "SIZE", "PATH")))
	for _, m := range models {
		fmt.Printf("%-36s %-12s %10s  %s\n",
			truncate(m.Name, 36), m.Type, downloads.FormatBytes(m.Size), dimStyle.Render(m.Path))
	}
}

func renderBundles(bundles []catalog.Bundle) {
	if len(bundles) == 0 {
		fmt.Println(dimStyle.Render("no bundles"))
		return
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-36s %-10s %7s %10s  %s", "NAME", "VERSION", "MODELS", "PROFILES", "ID")))
	for _, b := range bundles {
		fmt.Printf("%-36s %-10s %7d %10d  %s\n",
			truncate(b.Name, 36), b.Version, len(b.Models), len(b.Profiles), dimStyle.Render(b.ID))
	}
}

func renderJobs(jobs []jobqueue.Job) {
	if len(jobs) == 0 {
		fmt.Println(dimStyle.Render("no jobs"))
		return
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-36s %-18s %-12s %8s  %s", "ID", "KIND", "STATE", "AGE", "LABEL")))
	for _, j := range jobs {
		state := j.State.String()
		switch j.State {
		case jobqueue.StateError:
			state = errorStyle.Render(state)
		case jobqueue.StateCompleted:
			state = okStyle.Render(state)
		case jobqueue.StateCancelled:
			state = cancelStyle.Render(state)
		}
		fmt.Printf("%-36s %-18s %-12s %8s  %s\n", j.ID, j.Kind, state, elapsed(j.CreatedAt), truncate(j.Label, 40))
	}
}

func renderOperations(ops []reconciler.TrackedOperation) string {
	var b strings.Builder
	for _, op := range ops {
		b.WriteString(renderOperation(op))
		b.WriteByte('\n')
	}
	return b.String()
}

func renderOperation(op reconciler.TrackedOperation) string {
	filled := int(op.Progress / 100 * barWidth)
	if filled > barWidth {
		filled = barWidth
	}
	bar := barDone.Render(strings.Repeat("█", filled)) +
		barTodo.Render(strings.Repeat("░", barWidth-filled))

	label := truncate(op.DisplayName, 32)
	step := op.CurrentStep
	switch op.Status {
	case reconciler.OpCompleted:
		step = okStyle.Render(step)
	case reconciler.OpError:
		step = errorStyle.Render(step)
	case reconciler.OpCancelled:
		step = cancelStyle.Render(step)
	}
	return fmt.Sprintf("%-32s %s %5.1f%%  %s", label, bar, op.Progress, step)
}

// elapsed formats a duration the way the job list shows it.
func elapsed(since time.Time) string {
	if since.IsZero() {
		return "-"
	}
	return time.Since(since).Round(time.Second).String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
