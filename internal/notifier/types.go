package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/osbits/pagewatch/internal/render"
	"github.com/osbits/pagewatch/internal/scraper"
	"github.com/osbits/pagewatch/internal/structure"
)

// Kind identifies what an event reports.
type Kind string

const (
	KindProduct   Kind = "product"
	KindStructure Kind = "structure"
	KindFailure   Kind = "failure"
)

// Event statuses.
const (
	StatusSuccess = "success"
	StatusWarning = "warning"
	StatusError   = "error"
)

// Monitor identifies the monitor an event belongs to.
type Monitor struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Target string            `json:"target"`
	Labels map[string]string `json:"labels,omitempty"`
}

// ErrorInfo describes a failed run.
type ErrorInfo struct {
	Type    string         `json:"type"`
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// Event represents a notification event.
type Event struct {
	Kind       Kind
	Monitor    Monitor
	RunID      string
	Status     string
	Summary    string
	URL        string
	Product    *scraper.ProductInfo
	Report     *structure.Report
	Error      *ErrorInfo
	Context    map[string]any
	OccurredAt time.Time
}

// Notifier represents a delivery mechanism.
type Notifier interface {
	ID() string
	Notify(ctx context.Context, event Event) error
}

// Factory builds notifiers based on config.
type Factory struct {
	Secrets  map[string]string
	Render   *render.Engine
	Location *time.Location
}

// ProductEvent reports extracted product data.
func ProductEvent(mon Monitor, runID string, info scraper.ProductInfo, at time.Time) Event {
	return Event{
		Kind:       KindProduct,
		Monitor:    mon,
		RunID:      runID,
		Status:     StatusSuccess,
		Summary:    "product information retrieved",
		URL:        info.URL,
		Product:    &info,
		OccurredAt: at,
	}
}

// StructureEvent reports a non-success structure comparison.
func StructureEvent(mon Monitor, runID, url string, report structure.Report, at time.Time) Event {
	return Event{
		Kind:       KindStructure,
		Monitor:    mon,
		RunID:      runID,
		Status:     string(report.Status),
		Summary:    report.Message,
		URL:        url,
		Report:     &report,
		OccurredAt: at,
	}
}

// FailureEvent reports a failed run.
func FailureEvent(mon Monitor, runID, url string, err error, at time.Time) Event {
	info := &ErrorInfo{Type: "unknown", Name: "Error", Message: err.Error(), Details: map[string]any{}}
	var scrapeErr *scraper.Error
	if errors.As(err, &scrapeErr) {
		info.Type = string(scrapeErr.Kind)
		info.Name = scrapeErr.Name()
		for k, v := range scrapeErr.Details {
			info.Details[k] = v
		}
	}
	return Event{
		Kind:    KindFailure,
		Monitor: mon,
		RunID:   runID,
		Status:  StatusError,
		Summary: err.Error(),
		URL:     url,
		Error:   info,
		Context: map[string]any{
			"url":       url,
			"timestamp": at.UTC().Format(time.RFC3339),
		},
		OccurredAt: at,
	}
}

// Lines renders the event as plain text lines for chat and SMS channels.
func (e Event) Lines() []string {
	lines := []string{fmt.Sprintf("[%s] %s", e.Monitor.Name, e.Summary)}
	switch e.Kind {
	case KindProduct:
		if e.Product != nil {
			lines = append(lines,
				"Title: "+orUnknown(e.Product.Title),
				"Price: "+orUnknown(e.Product.Price),
				"Release: "+orUnknown(e.Product.Release),
			)
		}
	case KindStructure:
		if e.Report != nil {
			lines = append(lines, "Missing: "+orNone(strings.Join(structure.Selectors(e.Report.Details.Missing), ", ")))
			lines = append(lines, e.Report.Issues...)
		}
	case KindFailure:
		if e.Error != nil {
			lines = append(lines, fmt.Sprintf("Type: %s (%s)", e.Error.Type, e.Error.Name))
		}
	}
	if e.URL != "" {
		lines = append(lines, "URL: "+e.URL)
	}
	lines = append(lines, "Run: "+e.RunID)
	return lines
}

// Data exposes the event to payload templates.
func (e Event) Data() map[string]interface{} {
	data := map[string]interface{}{
		"kind": string(e.Kind),
		"monitor": map[string]interface{}{
			"id":     e.Monitor.ID,
			"name":   e.Monitor.Name,
			"target": e.Monitor.Target,
		},
		"status":      e.Status,
		"summary":     e.Summary,
		"url":         e.URL,
		"labels":      e.Monitor.Labels,
		"run_id":      e.RunID,
		"occurred_at": e.OccurredAt.Format(time.RFC3339),
		"product":     nil,
		"report":      nil,
		"error":       nil,
		"context":     e.Context,
	}
	if e.Product != nil {
		data["product"] = e.Product
	}
	if e.Report != nil {
		data["report"] = e.Report
		data["issues"] = e.Report.Issues
		data["missing"] = structure.Selectors(e.Report.Details.Missing)
		data["found"] = structure.Selectors(e.Report.Details.Found)
	}
	if e.Error != nil {
		data["error"] = e.Error
	}
	return data
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
