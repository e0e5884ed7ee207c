package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/osbits/pagewatch/internal/structure"
)

// resolveJS resolves CSS or XPath selectors to an element array.
const resolveJS = `const resolve = (sel) => {
	const s = sel.trim();
	if (s.startsWith('/') || s.startsWith('(')) {
		const r = document.evaluate(s, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
		const out = [];
		for (let i = 0; i < r.snapshotLength; i++) {
			const n = r.snapshotItem(i);
			if (n.nodeType === Node.ELEMENT_NODE) out.push(n);
		}
		return out;
	}
	return Array.from(document.querySelectorAll(s));
};`

func selectorScript(body string) string {
	return "(sel) => {\n" + resolveJS + "\n" + body + "\n}"
}

var (
	countScript = selectorScript(`return JSON.stringify({found: true, count: resolve(sel).length});`)

	describeScript = selectorScript(`const el = resolve(sel)[0];
	if (!el) return JSON.stringify({found: false});
	return JSON.stringify({
		found: true,
		tagName: el.tagName,
		className: el.getAttribute('class') || '',
		id: el.id || '',
		visible: window.getComputedStyle(el).display !== 'none'
	});`)

	textScript = selectorScript(`const el = resolve(sel)[0];
	if (!el) return JSON.stringify({found: false});
	return JSON.stringify({found: true, text: el.textContent || ''});`)

	clickScript = selectorScript(`const el = resolve(sel)[0];
	if (!el) return JSON.stringify({found: false});
	el.scrollIntoView({block: 'center'});
	el.click();
	return JSON.stringify({found: true});`)

	visibleScript = selectorScript(`const el = resolve(sel)[0];
	if (!el) return JSON.stringify({found: false});
	const style = window.getComputedStyle(el);
	const shown = style.display !== 'none' && style.visibility !== 'hidden' && el.getClientRects().length > 0;
	return JSON.stringify({found: true, visible: shown});`)
)

const readyStateScript = `() => JSON.stringify({found: true, ready: document.readyState === 'complete'})`

// scriptResult is the JSON shape every selector script returns.
type scriptResult struct {
	Found     bool   `json:"found"`
	Count     int    `json:"count"`
	TagName   string `json:"tagName"`
	ClassName string `json:"className"`
	ID        string `json:"id"`
	Visible   bool   `json:"visible"`
	Text      string `json:"text"`
	Ready     bool   `json:"ready"`
}

// evaluator runs a function source with one string argument and returns the
// string it produced. An empty arg calls the function without arguments.
type evaluator interface {
	evalString(ctx context.Context, fn string, arg string) (string, error)
}

const pollInterval = 100 * time.Millisecond

// scriptPage implements the selector-level Page methods on top of an
// evaluator, shared by the chromedp and rod drivers.
type scriptPage struct {
	eval evaluator
}

func (p scriptPage) run(ctx context.Context, fn, selector string) (scriptResult, error) {
	raw, err := p.eval.evalString(ctx, fn, selector)
	if err != nil {
		return scriptResult{}, err
	}
	var res scriptResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return scriptResult{}, fmt.Errorf("decode script result: %w", err)
	}
	return res, nil
}

func (p scriptPage) Text(ctx context.Context, selector string) (string, error) {
	res, err := p.run(ctx, textScript, selector)
	if err != nil {
		return "", err
	}
	if !res.Found {
		return "", noMatch(selector)
	}
	return res.Text, nil
}

func (p scriptPage) Click(ctx context.Context, selector string) error {
	res, err := p.run(ctx, clickScript, selector)
	if err != nil {
		return err
	}
	if !res.Found {
		return noMatch(selector)
	}
	return nil
}

func (p scriptPage) WaitVisible(ctx context.Context, selector string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		res, err := p.run(ctx, visibleScript, selector)
		if err != nil {
			return err
		}
		if res.Visible {
			return nil
		}
		select {
		case <-ctx.Done():
			if !res.Found {
				return fmt.Errorf("wait visible: %w: %w", noMatch(selector), ctx.Err())
			}
			return fmt.Errorf("wait visible %s: %w", selector, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p scriptPage) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		res, err := p.run(ctx, readyStateScript, "")
		if err != nil {
			return err
		}
		if res.Ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p scriptPage) Document() structure.Document {
	return scriptDocument{page: p}
}

type scriptDocument struct {
	page scriptPage
}

func (d scriptDocument) Locate(selector string) structure.Locator {
	return scriptLocator{page: d.page, selector: selector}
}

type scriptLocator struct {
	page     scriptPage
	selector string
}

func (l scriptLocator) Count(ctx context.Context) (int, error) {
	res, err := l.page.run(ctx, countScript, l.selector)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (l scriptLocator) Describe(ctx context.Context) (structure.ElementInfo, error) {
	res, err := l.page.run(ctx, describeScript, l.selector)
	if err != nil {
		return structure.ElementInfo{}, err
	}
	if !res.Found {
		return structure.ElementInfo{}, noMatch(l.selector)
	}
	return structure.ElementInfo{
		TagName:   res.TagName,
		ClassName: res.ClassName,
		ID:        res.ID,
		Visible:   res.Visible,
	}, nil
}
