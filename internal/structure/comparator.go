// Package structure detects drift between the selectors a monitor expects and
// the structure of a live document.
package structure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// IssueHidden is recorded for fields whose first match is not displayed.
const IssueHidden = "Element is hidden"

// Outcome classifies a single field probe.
type Outcome string

const (
	OutcomeFound    Outcome = "found"
	OutcomeMissing  Outcome = "missing"
	OutcomeDegraded Outcome = "degraded"
)

// FieldProbeResult is the outcome of probing one field. Element is set for
// found and degraded fields, Error only for missing ones, Issue only for
// degraded ones.
type FieldProbeResult struct {
	Field    string       `json:"field"`
	Selector string       `json:"selector"`
	Outcome  Outcome      `json:"outcome"`
	Element  *ElementInfo `json:"element,omitempty"`
	Error    string       `json:"error,omitempty"`
	Issue    string       `json:"issue,omitempty"`
}

// ComparisonResult partitions every probed field into exactly one set.
type ComparisonResult struct {
	Found   []FieldProbeResult `json:"found"`
	Missing []FieldProbeResult `json:"missing"`
	Changed []FieldProbeResult `json:"changed"`
}

// Total returns the number of fields across all three sets.
func (r ComparisonResult) Total() int {
	return len(r.Found) + len(r.Missing) + len(r.Changed)
}

// Options bounds the work done per comparison.
type Options struct {
	// ProbeTimeout bounds each field probe. Zero means no per-probe bound.
	ProbeTimeout time.Duration
	// Concurrency is the number of probes in flight. Values below 1 probe
	// sequentially, which is required when the document channel is not safe
	// for concurrent use.
	Concurrency int
}

// Comparator checks a document against a fixed SelectorMap. It holds no
// mutable state, so one Comparator may serve concurrent comparisons against
// different documents.
type Comparator struct {
	selectors SelectorMap
	opts      Options
}

// NewComparator builds a Comparator for the given selectors.
func NewComparator(selectors SelectorMap, opts Options) *Comparator {
	return &Comparator{selectors: selectors, opts: opts}
}

// Selectors returns the SelectorMap the comparator checks.
func (c *Comparator) Selectors() SelectorMap {
	return c.selectors
}

// CompareStructure probes every field of the SelectorMap against doc.
// Per-field failures are recorded as missing results. An error is returned
// only when ctx is done or the document reports ErrDocumentClosed.
func (c *Comparator) CompareStructure(ctx context.Context, doc Document) (ComparisonResult, error) {
	fields := c.selectors.fields
	probes := make([]FieldProbeResult, len(fields))

	limit := c.opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, f := range fields {
		g.Go(func() error {
			res, err := c.probe(gctx, doc, f)
			if err != nil {
				return err
			}
			probes[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ComparisonResult{}, err
	}
	return partition(probes), nil
}

func (c *Comparator) probe(ctx context.Context, doc Document, f Field) (FieldProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return FieldProbeResult{}, err
	}
	res := FieldProbeResult{Field: f.Name, Selector: f.Selector}

	probeCtx := ctx
	if c.opts.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, c.opts.ProbeTimeout)
		defer cancel()
	}

	loc := doc.Locate(f.Selector)
	n, err := loc.Count(probeCtx)
	if err != nil {
		return c.missing(ctx, res, err)
	}
	if n == 0 {
		res.Outcome = OutcomeMissing
		return res, nil
	}

	info, err := loc.Describe(probeCtx)
	if err != nil {
		return c.missing(ctx, res, err)
	}
	res.Element = &info
	if !info.Visible {
		res.Outcome = OutcomeDegraded
		res.Issue = IssueHidden
		return res, nil
	}
	res.Outcome = OutcomeFound
	return res, nil
}

// missing downgrades a probe error to a missing result unless the document or
// the caller's context is gone.
func (c *Comparator) missing(ctx context.Context, res FieldProbeResult, err error) (FieldProbeResult, error) {
	if errors.Is(err, ErrDocumentClosed) {
		return FieldProbeResult{}, fmt.Errorf("field %q: %w", res.Field, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return FieldProbeResult{}, ctxErr
	}
	res.Outcome = OutcomeMissing
	if errors.Is(err, context.DeadlineExceeded) {
		res.Error = fmt.Sprintf("probe timed out after %s", c.opts.ProbeTimeout)
	} else {
		res.Error = err.Error()
	}
	return res, nil
}

func partition(probes []FieldProbeResult) ComparisonResult {
	out := ComparisonResult{
		Found:   []FieldProbeResult{},
		Missing: []FieldProbeResult{},
		Changed: []FieldProbeResult{},
	}
	for _, p := range probes {
		switch p.Outcome {
		case OutcomeFound:
			out.Found = append(out.Found, p)
		case OutcomeDegraded:
			out.Changed = append(out.Changed, p)
		default:
			out.Missing = append(out.Missing, p)
		}
	}
	return out
}

// Selectors lists the selectors of the given results in order.
func Selectors(results []FieldProbeResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Selector)
	}
	return out
}
