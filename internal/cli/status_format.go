package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/homelistingai/followup/internal/models"
)

var (
	styleGreen   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleYellow  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleCyan    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleMagenta = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
)

func formatExecutionStatus(status models.ExecutionStatus) string {
	label, style := statusLabelForExecution(status)
	return style.Render(formatStatusLabel(label, string(status)))
}

func statusLabelForExecution(status models.ExecutionStatus) (string, lipgloss.Style) {
	switch status {
	case models.ExecutionStatusActive:
		return "RUN", styleCyan
	case models.ExecutionStatusPaused:
		return "WAIT", styleYellow
	case models.ExecutionStatusCompleted:
		return "OK", styleGreen
	case models.ExecutionStatusCancelled:
		return "STOP", styleMagenta
	default:
		return "WARN", styleYellow
	}
}

func formatHistoryType(t models.HistoryEventType) string {
	switch t {
	case models.HistoryStepFailed:
		return styleYellow.Render(string(t))
	case models.HistoryComplete:
		return styleGreen.Render(string(t))
	case models.HistoryCancel:
		return styleMagenta.Render(string(t))
	default:
		return string(t)
	}
}

func formatStatusLabel(label, status string) string {
	normalized := strings.ReplaceAll(strings.TrimSpace(status), "_", " ")
	if normalized == "" {
		return label
	}
	return fmt.Sprintf("%s %s", label, normalized)
}

func parseStatusFilter(value string) (*models.ExecutionStatus, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return nil, nil
	}
	status := models.ExecutionStatus(value)
	switch status {
	case models.ExecutionStatusActive, models.ExecutionStatusPaused,
		models.ExecutionStatusCompleted, models.ExecutionStatusCancelled:
		return &status, nil
	}
	return nil, fmt.Errorf("unknown status %q (active, paused, completed, cancelled)", value)
}
