package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	if len(result.Records) == 0 {
		return "Ledger replay | No records found.\n"
	}

	var b strings.Builder

	first := formatDateRange(result.Summary.FirstTimestamp)
	last := formatTimeOnly(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Ledger replay | %s–%s UTC\n", first, last))
	b.WriteString(separator + "\n")

	for _, r := range result.Records {
		ts := formatTimeOnly(r.Timestamp)
		outcome := strings.ToUpper(Outcome(r))
		if outcome == "" {
			outcome = "-"
		}
		actor := truncate(r.Body.ActorID, 14)
		tenant := truncate(r.Body.TenantID, 12)
		typ := truncate(r.Type, 24)
		digest := truncate(strings.TrimPrefix(r.Digest, "sha256:"), 15)

		b.WriteString(fmt.Sprintf("%-10s %-24s %-10s %-14s %-12s %s\n",
			ts, typ, outcome, actor, tenant, digest))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	types := []string{}
	for _, k := range sortedKeys(s.ByType) {
		types = append(types, fmt.Sprintf("%d %s", s.ByType[k], k))
	}
	outcomes := []string{}
	for _, k := range sortedKeys(s.ByOutcome) {
		outcomes = append(outcomes, fmt.Sprintf("%d %s", s.ByOutcome[k], k))
	}
	line := fmt.Sprintf("Summary: %d records | %s", s.Total, strings.Join(types, ", "))
	if len(outcomes) > 0 {
		line += " | " + strings.Join(outcomes, ", ")
	}
	return line + "\n"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
