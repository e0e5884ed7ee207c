package structure

import (
	"context"
	"errors"
)

// ErrDocumentClosed reports that the document handle itself is gone. Probes
// returning an error wrapping it abort the whole comparison.
var ErrDocumentClosed = errors.New("document closed")

// Document is the live page a comparison runs against. Implementations live
// in the browser package.
type Document interface {
	Locate(selector string) Locator
}

// Locator refers to zero or more elements matched by one selector.
type Locator interface {
	// Count returns the number of elements currently matching.
	Count(ctx context.Context) (int, error)
	// Describe reads the descriptor of the first matching element.
	Describe(ctx context.Context) (ElementInfo, error)
}

// ElementInfo is the descriptor read from the first matching element.
type ElementInfo struct {
	TagName   string `json:"tag_name"`
	ClassName string `json:"class_name"`
	ID        string `json:"id"`
	Visible   bool   `json:"visible"`
}
