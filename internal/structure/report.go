package structure

import "fmt"

// Status is the severity tier of a Report.
type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

const (
	MessageNoChange    = "no structural change"
	MessageSignificant = "significant structural change"
	MessageMinor       = "minor structural change"
)

// Report summarises a ComparisonResult for notifiers.
type Report struct {
	Status  Status           `json:"status"`
	Message string           `json:"message"`
	Details ComparisonResult `json:"details"`
	Issues  []string         `json:"issues,omitempty"`
}

// GenerateReport classifies result. Any missing field is an error regardless
// of how many fields were found; degraded fields alone are a warning.
func GenerateReport(result ComparisonResult) Report {
	details := ComparisonResult{
		Found:   cloneResults(result.Found),
		Missing: cloneResults(result.Missing),
		Changed: cloneResults(result.Changed),
	}

	switch {
	case len(details.Missing) == 0 && len(details.Changed) == 0:
		return Report{Status: StatusSuccess, Message: MessageNoChange, Details: details}
	case len(details.Missing) > 0:
		issues := make([]string, 0, len(details.Missing)+len(details.Changed))
		for _, m := range details.Missing {
			issues = append(issues, fmt.Sprintf("%s: selector \"%s\" not found", m.Field, m.Selector))
		}
		issues = append(issues, changedIssues(details.Changed)...)
		return Report{Status: StatusError, Message: MessageSignificant, Details: details, Issues: issues}
	default:
		return Report{Status: StatusWarning, Message: MessageMinor, Details: details, Issues: changedIssues(details.Changed)}
	}
}

func changedIssues(changed []FieldProbeResult) []string {
	issues := make([]string, 0, len(changed))
	for _, c := range changed {
		issues = append(issues, fmt.Sprintf("%s: %s", c.Field, c.Issue))
	}
	return issues
}

func cloneResults(src []FieldProbeResult) []FieldProbeResult {
	out := make([]FieldProbeResult, len(src))
	for i, r := range src {
		if r.Element != nil {
			el := *r.Element
			r.Element = &el
		}
		out[i] = r
	}
	return out
}
