package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cai265891-design/Signalidea/internal/pipeline"
	"github.com/cai265891-design/Signalidea/pkg/models"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorSubtle  = lipgloss.Color("241")
	colorSuccess = lipgloss.Color("42")
	colorError   = lipgloss.Color("160")
	colorWarning = lipgloss.Color("214")
	colorPrimary = lipgloss.Color("75")

	styleTitle   = lipgloss.NewStyle().Bold(true)
	styleSubtle  = lipgloss.NewStyle().Foreground(colorSubtle)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleError   = lipgloss.NewStyle().Foreground(colorError)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)

	styleBox = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary).
			Padding(0, 1)
)

const barWidth = 24

func statusStyle(status string) lipgloss.Style {
	switch status {
	case models.StatusCompleted:
		return styleSuccess
	case models.StatusFailed:
		return styleError
	case models.StatusProcessing:
		return styleWarning
	default:
		return styleSubtle
	}
}

func progressBar(percentage int) string {
	percentage = min(max(percentage, 0), 100)
	filled := barWidth * percentage / 100
	return fmt.Sprintf("[%s%s] %3d%%",
		strings.Repeat("█", filled), strings.Repeat("░", barWidth-filled), percentage)
}

// renderJob formats a status view for the terminal.
func renderJob(v *pipeline.JobStatusView) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", styleTitle.Render("Job"), v.ID)
	fmt.Fprintf(&b, "%s  %s\n", statusStyle(v.Status).Render(v.Status), styleSubtle.Render(v.CurrentStage))
	fmt.Fprintf(&b, "%s\n", progressBar(v.Stages.Percentage))

	for _, row := range []struct {
		label string
		task  *models.TaskSummary
	}{
		{"intent", v.IntentTask},
		{"competitors", v.CompetitorTask},
		{"top five", v.TopFiveTask},
	} {
		status := "-"
		if row.task != nil {
			status = statusStyle(row.task.Status).Render(row.task.Status)
		}
		fmt.Fprintf(&b, "  %-12s %s\n", row.label, status)
	}

	if v.ErrorMessage != nil {
		fmt.Fprintf(&b, "%s %s\n", styleError.Render("error:"), *v.ErrorMessage)
	}

	if v.Status == models.StatusCompleted {
		if names := competitorNames(v.TopFiveResult); len(names) > 0 {
			b.WriteString(styleTitle.Render("Top competitors"))
			b.WriteString("\n")
			for i, name := range names {
				fmt.Fprintf(&b, "  %d. %s\n", i+1, name)
			}
		}
	}

	return styleBox.Render(strings.TrimRight(b.String(), "\n"))
}

// renderProgress formats a task listing.
func renderProgress(v *pipeline.TaskProgressView) string {
	var b strings.Builder
	p := v.Progress
	fmt.Fprintf(&b, "%s\n", progressBar(p.Percentage))
	fmt.Fprintf(&b, "%s %d  %s %d  %s %d  %s %d\n",
		styleSuccess.Render("completed"), p.Completed,
		styleError.Render("failed"), p.Failed,
		styleWarning.Render("processing"), p.Processing,
		styleSubtle.Render("pending"), p.Pending,
	)
	for _, t := range v.Tasks {
		fmt.Fprintf(&b, "  %s  %-20s %s\n", t.ID, t.WorkflowType, statusStyle(t.Status).Render(t.Status))
		if t.ErrorMessage != nil {
			fmt.Fprintf(&b, "      %s\n", styleSubtle.Render(*t.ErrorMessage))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func competitorNames(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list models.CompetitorList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	names := make([]string, 0, len(list.Competitors))
	for _, c := range list.Competitors {
		names = append(names, c.Name)
	}
	return names
}
