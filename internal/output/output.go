// Package output provides styled terminal output helpers (success, error,
// warning, sync session formatting) using lipgloss.
package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"

	"github.com/marcus/fieldsync/internal/db"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/netmon"
	"github.com/marcus/fieldsync/internal/orchestrator"
	fsync "github.com/marcus/fieldsync/internal/sync"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[string]lipgloss.Style{
		"success":      successStyle,
		"partial":      warningStyle,
		"failed":       errorStyle,
		"cancelled":    lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		"offline":      subtleStyle,
		"skipped":      subtleStyle,
		"empty":        subtleStyle,
		"pending":      lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"escalated":    errorStyle,
		"synced":       successStyle,
		"open":         errorStyle,
		"half-open":    warningStyle,
		"closed":       successStyle,
		"in_progress":  warningStyle,
		"not_enrolled": warningStyle,
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound         = "not_found"
	ErrCodeInvalidInput     = "invalid_input"
	ErrCodeDatabaseError    = "database_error"
	ErrCodeNotEnrolled      = "not_enrolled"
	ErrCodeAlreadyRunning   = "already_running"
	ErrCodePermissionDenied = "permission_denied"
	ErrCodeTooFar           = "too_far"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// Badge renders a status word in brackets with its color.
func Badge(status string) string {
	style, ok := statusStyles[status]
	if !ok {
		return "[" + status + "]"
	}
	return style.Render("[" + status + "]")
}

// FormatOutcome formats one entity's result as a single line.
func FormatOutcome(o fsync.Outcome) string {
	line := fmt.Sprintf("  %-24s %s", o.Entity, Badge(string(o.Status)))
	if o.Status == fsync.StatusSkipped {
		return line + subtleStyle.Render(" "+o.Reason)
	}
	var parts []string
	parts = append(parts, fmt.Sprintf("synced %d", o.Synced))
	if o.Rejected > 0 {
		parts = append(parts, fmt.Sprintf("rejected %d", o.Rejected))
	}
	if o.Escalated > 0 {
		parts = append(parts, errorStyle.Render(fmt.Sprintf("escalated %d", o.Escalated)))
	}
	if o.Failed > 0 {
		parts = append(parts, fmt.Sprintf("failed %d", o.Failed))
	}
	if o.Batches > 1 {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("%d batches", o.Batches)))
	}
	line += "  " + strings.Join(parts, ", ")
	if o.Error != "" {
		line += "\n" + IndentString(subtleStyle.Render(o.Error), 28)
	}
	return line
}

// FormatSession formats a finished pass.
func FormatSession(s *orchestrator.Session) string {
	var sb strings.Builder
	dur := s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(&sb, "%s %s %s\n", titleStyle.Render("SYNC "+s.ID), Badge(string(s.Status)),
		subtleStyle.Render(fmt.Sprintf("%s, %s", s.Trigger, dur)))
	for _, r := range s.Results {
		sb.WriteString(FormatOutcome(r))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatNetwork formats a network state.
func FormatNetwork(s netmon.State) string {
	if !s.Connected {
		return Badge("offline")
	}
	out := fmt.Sprintf("%s, %s", s.Transport, s.Quality)
	if s.Latency > 0 {
		out += subtleStyle.Render(fmt.Sprintf(" (%s)", s.Latency.Round(time.Millisecond)))
	}
	return out
}

// FormatCounts formats per-entity record counts sorted by entity name.
func FormatCounts(counts map[models.EntityType]db.Counts) []string {
	ets := make([]string, 0, len(counts))
	for et := range counts {
		ets = append(ets, string(et))
	}
	sort.Strings(ets)
	lines := make([]string, 0, len(ets))
	for _, et := range ets {
		c := counts[models.EntityType(et)]
		line := fmt.Sprintf("%-24s pending %d  synced %d", et, c.Pending, c.Synced)
		if c.Escalated > 0 {
			line += "  " + errorStyle.Render(fmt.Sprintf("escalated %d", c.Escalated))
		}
		lines = append(lines, line)
	}
	return lines
}

// FormatRecordLine formats a record for listings such as escalated records.
func FormatRecordLine(r models.Record) string {
	line := fmt.Sprintf("%s #%d %s %s attempts=%d", r.Entity, r.LocalID, Badge(string(r.State())),
		subtleStyle.Render(r.Token), r.SyncAttempts)
	if r.LastError != "" {
		line += "  " + r.LastError
	}
	return line
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nRECORDS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentLines indents each line by the specified number of spaces
func IndentLines(lines []string, spaces int) []string {
	indent := strings.Repeat(" ", spaces)
	result := make([]string, len(lines))
	for i, line := range lines {
		result[i] = indent + line
	}
	return result
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	return strings.Join(IndentLines(strings.Split(s, "\n"), spaces), "\n")
}
