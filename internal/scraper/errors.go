package scraper

import (
	"fmt"
	"time"
)

// Kind classifies a scraping failure.
type Kind string

const (
	KindNavigation      Kind = "navigation"
	KindElementNotFound Kind = "element_not_found"
	KindNoProductData   Kind = "no_product_data"
	KindStructureChange Kind = "structure_change"
)

// Error is a typed scraping failure. Inspect with errors.As.
type Error struct {
	Kind      Kind
	Message   string
	Details   map[string]any
	Timestamp time.Time
	Err       error
}

func newError(kind Kind, msg string, details map[string]any, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   msg,
		Details:   details,
		Timestamp: time.Now().UTC(),
		Err:       cause,
	}
}

// NavigationError reports that url could not be reached or never became ready.
func NavigationError(url string, cause error) *Error {
	details := map[string]any{"url": url}
	if cause != nil {
		details["error"] = cause.Error()
	}
	return newError(KindNavigation, fmt.Sprintf("navigation failed: %s", url), details, cause)
}

// ElementNotFoundError reports a required element that is absent.
func ElementNotFoundError(selector string) *Error {
	return newError(KindElementNotFound, fmt.Sprintf("element not found: %s", selector),
		map[string]any{"selector": selector}, nil)
}

// NoProductDataError reports a run where no product field could be read.
func NoProductDataError(url string) *Error {
	return newError(KindNoProductData, "no product information could be retrieved",
		map[string]any{"url": url}, nil)
}

// StructureChangeError reports a comparison that could not complete.
func StructureChangeError(cause error) *Error {
	details := map[string]any{}
	if cause != nil {
		details["error"] = cause.Error()
	}
	return newError(KindStructureChange, "page structure could not be compared", details, cause)
}

// Name is the error class reported to notifiers.
func (e *Error) Name() string {
	return "ScrapingError"
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}
