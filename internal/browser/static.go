package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/go-resty/resty/v2"
	"golang.org/x/net/html/charset"

	"github.com/osbits/pagewatch/internal/structure"
)

const defaultStaticTimeout = 30 * time.Second

// StaticDriver fetches pages over plain HTTP and parses them with goquery.
// Scripts never run, so it only suits server-rendered pages.
type StaticDriver struct {
	client *resty.Client
	logger *slog.Logger
}

// NewStatic builds the http driver.
func NewStatic(opts Options, logger *slog.Logger) *StaticDriver {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultStaticTimeout
	}
	client := resty.New().SetTimeout(timeout)
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	return &StaticDriver{client: client, logger: logger}
}

func (d *StaticDriver) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &staticPage{driver: d}, nil
}

func (d *StaticDriver) Close() error {
	return nil
}

type staticPage struct {
	driver *StaticDriver

	mu     sync.RWMutex
	doc    *goquery.Document
	url    *url.URL
	closed bool
}

func (p *staticPage) Navigate(ctx context.Context, target string) error {
	if p.isClosed() {
		return structure.ErrDocumentClosed
	}
	resp, err := p.driver.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/html,application/xhtml+xml").
		Get(target)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", target, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("fetch %s: %s", target, resp.Status())
	}

	reader, err := charset.NewReader(body, resp.Header().Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("decode %s: %w", target, err)
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return fmt.Errorf("parse %s: %w", target, err)
	}

	final := resp.RawResponse.Request.URL
	p.mu.Lock()
	p.doc = doc
	p.url = final
	p.mu.Unlock()
	p.driver.logger.Debug("static page loaded", "url", final.String())
	return nil
}

func (p *staticPage) WaitVisible(ctx context.Context, selector string) error {
	sel, err := p.first(selector)
	if err != nil {
		return err
	}
	if !displayed(sel) {
		return fmt.Errorf("element %s is hidden", selector)
	}
	return nil
}

func (p *staticPage) Text(ctx context.Context, selector string) (string, error) {
	sel, err := p.first(selector)
	if err != nil {
		return "", err
	}
	return sel.Text(), nil
}

// Click follows the href of the first match, which is all a link click does
// without scripts.
func (p *staticPage) Click(ctx context.Context, selector string) error {
	sel, err := p.first(selector)
	if err != nil {
		return err
	}
	href, ok := sel.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return fmt.Errorf("element %s has no href", selector)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return fmt.Errorf("invalid href %q: %w", href, err)
	}
	p.mu.RLock()
	base := p.url
	p.mu.RUnlock()
	return p.Navigate(ctx, base.ResolveReference(ref).String())
}

func (p *staticPage) WaitIdle(ctx context.Context) error {
	if p.isClosed() {
		return structure.ErrDocumentClosed
	}
	return ctx.Err()
}

func (p *staticPage) URL(ctx context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return "", structure.ErrDocumentClosed
	}
	if p.url == nil {
		return "", nil
	}
	return p.url.String(), nil
}

func (p *staticPage) Document() structure.Document {
	return staticDocument{page: p}
}

func (p *staticPage) Close() error {
	p.mu.Lock()
	p.closed = true
	p.doc = nil
	p.mu.Unlock()
	return nil
}

func (p *staticPage) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *staticPage) snapshot() (*goquery.Document, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, structure.ErrDocumentClosed
	}
	if p.doc == nil {
		return nil, fmt.Errorf("%w: nothing loaded", structure.ErrDocumentClosed)
	}
	return p.doc, nil
}

func (p *staticPage) query(selector string) (*goquery.Selection, error) {
	if IsXPath(selector) {
		return nil, errors.New("xpath selectors require a browser driver")
	}
	m, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	doc, err := p.snapshot()
	if err != nil {
		return nil, err
	}
	return doc.FindMatcher(m), nil
}

func (p *staticPage) first(selector string) (*goquery.Selection, error) {
	sel, err := p.query(selector)
	if err != nil {
		return nil, err
	}
	if sel.Length() == 0 {
		return nil, noMatch(selector)
	}
	return sel.First(), nil
}

type staticDocument struct {
	page *staticPage
}

func (d staticDocument) Locate(selector string) structure.Locator {
	return staticLocator{page: d.page, selector: selector}
}

type staticLocator struct {
	page     *staticPage
	selector string
}

func (l staticLocator) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sel, err := l.page.query(l.selector)
	if err != nil {
		return 0, err
	}
	return sel.Length(), nil
}

func (l staticLocator) Describe(ctx context.Context) (structure.ElementInfo, error) {
	if err := ctx.Err(); err != nil {
		return structure.ElementInfo{}, err
	}
	sel, err := l.page.first(l.selector)
	if err != nil {
		return structure.ElementInfo{}, err
	}
	class, _ := sel.Attr("class")
	id, _ := sel.Attr("id")
	return structure.ElementInfo{
		TagName:   strings.ToUpper(goquery.NodeName(sel)),
		ClassName: class,
		ID:        id,
		Visible:   displayed(sel),
	}, nil
}

// displayed approximates the element's own computed display without a layout
// engine: it must carry neither the hidden attribute nor an inline
// display:none. Ancestors are not consulted, matching getComputedStyle.
func displayed(sel *goquery.Selection) bool {
	if _, hidden := sel.Attr("hidden"); hidden {
		return false
	}
	if style, ok := sel.Attr("style"); ok && hidesDisplay(style) {
		return false
	}
	return true
}

func hidesDisplay(style string) bool {
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "display") {
			continue
		}
		value = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "!important")))
		if value == "none" {
			return true
		}
	}
	return false
}
