package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/jobs"
	"issueagent/pkg/metrics"
)

const maxCellWidth = 48

//nolint:gochecknoglobals
var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle  = lipgloss.NewStyle().Bold(true).Width(12)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	stateStyles = map[agentstate.State]lipgloss.Style{
		agentstate.StateCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950")),
		agentstate.StateFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("#F85149")),
		agentstate.StateEscalated:  lipgloss.NewStyle().Foreground(lipgloss.Color("#D29922")),
		agentstate.StateCancelled:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		agentstate.StateInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")),
	}
)

// renderTable lays rows out in padded columns.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := range headers {
			if i < len(row) {
				widths[i] = max(widths[i], lipgloss.Width(truncate(row[i])))
			}
		}
	}

	var b strings.Builder
	b.WriteString(joinCells(headers, widths, func(_ int, s string) string { return headerStyle.Render(s) }))
	for _, row := range rows {
		b.WriteString(joinCells(row, widths, nil))
	}
	return b.String()
}

func joinCells(cells []string, widths []int, style func(int, string) string) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		cell := ""
		if i < len(cells) {
			cell = truncate(cells[i])
		}
		cell = lipgloss.NewStyle().Width(w + 2).Render(cell)
		if style != nil {
			cell = style(i, cell)
		}
		parts[i] = cell
	}
	return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ") + "\n"
}

func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= maxCellWidth {
		return s
	}
	return string([]rune(s)[:maxCellWidth-1]) + "…"
}

func renderState(s agentstate.State) string {
	if st, ok := stateStyles[s]; ok {
		return st.Render(string(s))
	}
	return string(s)
}

func renderJobPage(page jobs.Page) string {
	if len(page.Jobs) == 0 {
		return dimStyle.Render("no jobs") + "\n"
	}
	rows := make([][]string, 0, len(page.Jobs))
	for _, j := range page.Jobs {
		rows = append(rows, []string{
			j.ID,
			fmt.Sprintf("%s#%d", j.Repository, j.Issue),
			string(j.State),
			fmt.Sprintf("%d%%", j.Progress),
			age(j.CreatedAt),
			j.Message,
		})
	}
	footer := dimStyle.Render(fmt.Sprintf("%d of %d", len(page.Jobs), page.Total))
	return renderTable([]string{"ID", "ISSUE", "STATE", "PROGRESS", "AGE", "MESSAGE"}, rows) + footer + "\n"
}

func renderJob(j jobs.Snapshot) string {
	lines := []string{
		field("ID", j.ID),
		field("Issue", fmt.Sprintf("%s#%d", j.Repository, j.Issue)),
		field("State", renderState(j.State)),
		field("Progress", fmt.Sprintf("%d%% %s", j.Progress, j.Message)),
		field("Created", j.CreatedAt.Format(time.RFC3339)),
	}
	if j.EndedAt != nil {
		lines = append(lines, field("Ended", j.EndedAt.Format(time.RFC3339)))
	}
	if j.RetryCount > 0 {
		lines = append(lines, field("Retries", fmt.Sprint(j.RetryCount)))
	}
	if j.Error != nil {
		lines = append(lines, field("Error", fmt.Sprintf("[%s] %s", j.Error.Category, j.Error.Message)))
	}
	if j.FailedStage != "" {
		lines = append(lines, field("Stage", string(j.FailedStage)))
	}
	if j.Summary != "" {
		lines = append(lines, field("Summary", j.Summary))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...) + "\n"
}

func renderLogs(lines []string) string {
	if len(lines) == 0 {
		return dimStyle.Render("(no log lines)") + "\n"
	}
	return headerStyle.Render("Log") + "\n" + strings.Join(lines, "\n") + "\n"
}

func renderStats(s *metrics.Stats) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Last %s", s.Window)) + "\n")
	b.WriteString(field("Active", fmt.Sprintf("%.0f", s.ActiveJobs)) + "\n")
	for _, section := range []struct {
		title  string
		values map[string]float64
	}{
		{"Finished", s.FinishedByState},
		{"Events", s.EventsByResult},
		{"Tokens", s.TokensByProvider},
	} {
		rows := make([][]string, 0, len(section.values))
		for _, k := range sortedKeys(section.values) {
			rows = append(rows, []string{k, fmt.Sprintf("%.0f", section.values[k])})
		}
		b.WriteString("\n")
		if len(rows) == 0 {
			b.WriteString(labelStyle.Render(section.title) + dimStyle.Render("none") + "\n")
			continue
		}
		b.WriteString(renderTable([]string{strings.ToUpper(section.title), "COUNT"}, rows))
	}
	return b.String()
}

func field(label, value string) string {
	return labelStyle.Render(label) + value
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
