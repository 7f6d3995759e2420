package attest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders a report as human-readable text.
func FormatText(r *Report) string {
	var b strings.Builder

	header := fmt.Sprintf("Attestation | %s", r.CheckedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintln(&b, header)
	fmt.Fprintln(&b, strings.Repeat("=", len(header)))

	ledger := "PASS"
	if !r.Ledger.Valid {
		ledger = "FAIL"
	}
	fmt.Fprintf(&b, "  %-50s %s (%d records)\n", "ledger", ledger, r.Ledger.Lines)
	if !r.Ledger.Valid {
		if r.Ledger.ErrorLine > 0 {
			fmt.Fprintf(&b, "    line %d: %s\n", r.Ledger.ErrorLine, r.Ledger.Error)
		} else {
			fmt.Fprintf(&b, "    %s\n", r.Ledger.Error)
		}
	}

	for _, a := range r.Artifacts {
		path := a.Path
		if len(path) > 50 {
			path = "..." + path[len(path)-47:]
		}
		fmt.Fprintf(&b, "  %-50s %s\n", path, strings.ToUpper(a.Status))
		switch a.Status {
		case StatusMismatch:
			fmt.Fprintf(&b, "    expected %s\n    actual   %s\n", a.Expected, a.Actual)
		case StatusMissing, StatusUnsigned, StatusUnregistered:
			fmt.Fprintf(&b, "    %s\n", a.Error)
		}
	}

	fmt.Fprintln(&b, strings.Repeat("-", len(header)))
	status := "PASS"
	if !r.OK() {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "Result: %s (%d/%d artifacts)\n", status, len(r.Artifacts)-r.Failed, len(r.Artifacts))
	return b.String()
}

// FormatJSON renders a report as JSON.
func FormatJSON(r *Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal attestation report: %w", err)
	}
	return string(data), nil
}
