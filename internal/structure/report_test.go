package structure

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGenerateReportMissingTakesPrecedence(t *testing.T) {
	res := ComparisonResult{
		Found: []FieldProbeResult{
			{Field: "a", Selector: ".a", Outcome: OutcomeFound},
			{Field: "b", Selector: ".b", Outcome: OutcomeFound},
			{Field: "c", Selector: ".c", Outcome: OutcomeFound},
		},
		Missing: []FieldProbeResult{
			{Field: "price", Selector: "span.price", Outcome: OutcomeMissing},
		},
		Changed: []FieldProbeResult{
			{Field: "release", Selector: "p.release", Outcome: OutcomeDegraded, Issue: IssueHidden},
		},
	}

	rep := GenerateReport(res)
	if rep.Status != StatusError {
		t.Fatalf("any missing field must be an error, got %s", rep.Status)
	}
	want := []string{
		`price: selector "span.price" not found`,
		"release: Element is hidden",
	}
	if diff := cmp.Diff(want, rep.Issues); diff != "" {
		t.Fatalf("unexpected issues (-want +got):\n%s", diff)
	}
}

func TestGenerateReportTotal(t *testing.T) {
	cases := []struct {
		name   string
		result ComparisonResult
		status Status
	}{
		{name: "zero value", result: ComparisonResult{}, status: StatusSuccess},
		{name: "changed only", result: ComparisonResult{Changed: []FieldProbeResult{{Field: "x", Issue: IssueHidden}}}, status: StatusWarning},
		{name: "missing only", result: ComparisonResult{Missing: []FieldProbeResult{{Field: "x", Selector: ".x"}}}, status: StatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep := GenerateReport(tc.result)
			if rep.Status != tc.status {
				t.Fatalf("expected %s, got %s", tc.status, rep.Status)
			}
			if rep.Message == "" {
				t.Fatalf("report message must not be empty")
			}
			if (rep.Status == StatusSuccess) != (rep.Issues == nil) {
				t.Fatalf("issues must be present exactly when status is not success: %+v", rep)
			}
		})
	}
}

func TestGenerateReportDoesNotAlias(t *testing.T) {
	el := &ElementInfo{TagName: "DIV", Visible: true}
	res := ComparisonResult{Found: []FieldProbeResult{{Field: "a", Selector: ".a", Element: el}}}

	rep := GenerateReport(res)
	res.Found[0].Field = "mutated"
	el.TagName = "SPAN"

	if rep.Details.Found[0].Field != "a" || rep.Details.Found[0].Element.TagName != "DIV" {
		t.Fatalf("report details alias the input: %+v", rep.Details.Found[0])
	}
}

func TestGenerateReportKeepsSelectorVerbatim(t *testing.T) {
	rep := GenerateReport(ComparisonResult{
		Missing: []FieldProbeResult{{Field: "link", Selector: `a[href="/item"]`, Outcome: OutcomeMissing}},
	})
	want := []string{`link: selector "a[href="/item"]" not found`}
	if diff := cmp.Diff(want, rep.Issues); diff != "" {
		t.Fatalf("unexpected issues (-want +got):\n%s", diff)
	}
}
