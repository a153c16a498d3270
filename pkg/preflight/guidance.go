package preflight

import (
	"fmt"
	"strings"
)

// FormatCheckError formats a failed check result with actionable guidance.
func FormatCheckError(check CheckResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  %s: %s\n", check.Check, check.Message))
	sb.WriteString(fmt.Sprintf("    %s\n", getGuidance(check.Check)))
	return sb.String()
}

// FormatResults formats all preflight results for display.
func FormatResults(results *Results) string {
	var sb strings.Builder
	sb.WriteString(results.Summary + "\n")
	for i := range results.Checks {
		c := results.Checks[i]
		switch {
		case c.Passed:
			sb.WriteString(fmt.Sprintf("  [PASS] %s: %s\n", c.Check, c.Message))
		case c.Warning:
			sb.WriteString(fmt.Sprintf("  [WARN] %s: %s\n", c.Check, c.Message))
		default:
			sb.WriteString(fmt.Sprintf("  [FAIL] %s: %s\n", c.Check, c.Message))
			sb.WriteString(fmt.Sprintf("         %s\n", getGuidance(c.Check)))
		}
	}
	return sb.String()
}

func getGuidance(check Check) string {
	switch check {
	case CheckGit:
		return "Install git 2.20 or newer: https://git-scm.com/downloads"
	case CheckRepository:
		return "Set sandbox.repo_path to a local clone or sandbox.repo_url to mirror a remote."
	case CheckSandboxes:
		return "Point sandbox.root at a directory the server user can write to."
	case CheckClaudeCLI:
		return "Install the Claude CLI or set work_unit.claude_path."
	case CheckAnthropic:
		return "Run `issueagent secrets set ANTHROPIC_API_KEY` or export it: https://console.anthropic.com/"
	case CheckOpenAI:
		return "Run `issueagent secrets set OPENAI_API_KEY` or export it: https://platform.openai.com/api-keys"
	case CheckGitHub:
		return "Run `issueagent secrets set GITHUB_TOKEN` with a token that can edit issues."
	default:
		return "Check the configuration for this component."
	}
}
