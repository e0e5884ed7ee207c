package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/osbits/pagewatch/internal/config"
	"github.com/osbits/pagewatch/internal/render"
	"github.com/osbits/pagewatch/internal/scraper"
	"github.com/osbits/pagewatch/internal/structure"
)

type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

type captureServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
}

func newCaptureServer(t *testing.T, status int) *captureServer {
	t.Helper()
	cs := &captureServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.requests = append(cs.requests, capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		cs.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *captureServer) only(t *testing.T) capturedRequest {
	t.Helper()
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(cs.requests))
	}
	return cs.requests[0]
}

var (
	testMonitor = Monitor{ID: "figures", Name: "Figures", Target: "https://shop.example/category/1"}
	testTime    = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
)

func productEvent() Event {
	return ProductEvent(testMonitor, "run-1", scraper.ProductInfo{
		ListTitle: "List",
		Title:     "Scale Figure",
		Price:     "12,000 JPY",
		URL:       "https://shop.example/item/9",
		Timestamp: testTime,
	}, testTime)
}

func structureEvent() Event {
	report := structure.GenerateReport(structure.ComparisonResult{
		Found: []structure.FieldProbeResult{
			{Field: "productLink", Selector: "div.item a", Outcome: structure.OutcomeFound},
		},
		Missing: []structure.FieldProbeResult{
			{Field: "price", Selector: "p.price", Outcome: structure.OutcomeMissing},
		},
		Changed: []structure.FieldProbeResult{},
	})
	return StructureEvent(testMonitor, "run-2", "https://shop.example/item/9", report, testTime)
}

func failureEvent() Event {
	err := scraper.NavigationError("https://shop.example/category/1", errors.New("net::ERR_NAME_NOT_RESOLVED"))
	return FailureEvent(testMonitor, "run-3", "https://shop.example/category/1", err, testTime)
}

func TestFailureEventClassifiesScrapingErrors(t *testing.T) {
	ev := failureEvent()
	if ev.Error.Type != "navigation" || ev.Error.Name != "ScrapingError" {
		t.Fatalf("unexpected error info: %+v", ev.Error)
	}
	if ev.Error.Details["url"] != "https://shop.example/category/1" {
		t.Fatalf("details missing url: %v", ev.Error.Details)
	}
	if ev.Context["timestamp"] != "2024-05-01T09:30:00Z" {
		t.Fatalf("unexpected context: %v", ev.Context)
	}

	plain := FailureEvent(testMonitor, "run-4", "", errors.New("boom"), testTime)
	if plain.Error.Type != "unknown" || plain.Error.Name != "Error" {
		t.Fatalf("unexpected info for plain error: %+v", plain.Error)
	}
}

func TestSlackMessages(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK)
	n, err := NewSlackNotifier("slack", SlackConfig{WebhookURLRef: "hook", Channel: "#alerts"}, map[string]string{"hook": srv.URL}, time.UTC)
	if err != nil {
		t.Fatalf("NewSlackNotifier returned error: %v", err)
	}
	if err := n.Notify(context.Background(), productEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	var msg slackMessage
	if err := json.Unmarshal([]byte(srv.only(t).Body), &msg); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if msg.Channel != "#alerts" || len(msg.Attachments) != 1 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	att := msg.Attachments[0]
	if att.Color != "good" {
		t.Fatalf("unexpected color %q", att.Color)
	}
	if att.Fields[2].Title != "Release" || att.Fields[2].Value != "unknown" {
		t.Fatalf("missing release should read unknown, got %+v", att.Fields[2])
	}
	if att.Footer != "Retrieved at: 2024-05-01 09:30:00 UTC" {
		t.Fatalf("unexpected footer %q", att.Footer)
	}
}

func TestSlackStructureAndFailureAttachments(t *testing.T) {
	s := &slackNotifier{loc: time.UTC}

	msg := s.message(structureEvent())
	att := msg.Attachments[0]
	if att.Color != "danger" {
		t.Fatalf("missing selectors should be danger, got %q", att.Color)
	}
	if att.Fields[0].Value != "p.price" || att.Fields[1].Value != "div.item a" {
		t.Fatalf("unexpected selector fields: %+v", att.Fields)
	}
	if att.Fields[2].Value != `price: selector "p.price" not found` {
		t.Fatalf("unexpected issues %q", att.Fields[2].Value)
	}

	msg = s.message(failureEvent())
	att = msg.Attachments[0]
	if !strings.HasPrefix(msg.Text, "[Figures] error: navigation failed") {
		t.Fatalf("unexpected text %q", msg.Text)
	}
	if att.Fields[0].Value != "navigation" || att.Fields[1].Value != "ScrapingError" {
		t.Fatalf("unexpected error fields: %+v", att.Fields)
	}
	if !strings.Contains(att.Fields[3].Value, `"url": "https://shop.example/category/1"`) {
		t.Fatalf("context should be indented json, got %q", att.Fields[3].Value)
	}
}

func TestSlackRejectsMissingSecret(t *testing.T) {
	if _, err := NewSlackNotifier("slack", SlackConfig{WebhookURLRef: "nope"}, map[string]string{}, nil); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestNotifyReportsHTTPFailure(t *testing.T) {
	srv := newCaptureServer(t, http.StatusInternalServerError)
	n, err := NewDiscordNotifier("discord", DiscordConfig{WebhookURLRef: "hook"}, map[string]string{"hook": srv.URL})
	if err != nil {
		t.Fatalf("NewDiscordNotifier returned error: %v", err)
	}
	err = n.Notify(context.Background(), failureEvent())
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestDiscordContent(t *testing.T) {
	srv := newCaptureServer(t, http.StatusNoContent)
	n, err := NewDiscordNotifier("discord", DiscordConfig{WebhookURLRef: "hook", Username: "pagewatch"}, map[string]string{"hook": srv.URL})
	if err != nil {
		t.Fatalf("NewDiscordNotifier returned error: %v", err)
	}
	if err := n.Notify(context.Background(), structureEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(srv.only(t).Body), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["username"] != "pagewatch" {
		t.Fatalf("unexpected username %q", payload["username"])
	}
	if !strings.HasPrefix(payload["content"], "**Figures**") || !strings.Contains(payload["content"], "Missing: p.price") {
		t.Fatalf("unexpected content %q", payload["content"])
	}
}

func TestTelegramUsesBotEndpoint(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK)
	n, err := NewTelegramNotifier("tg", TelegramConfig{BotTokenRef: "bot", ChatID: "42", APIBase: srv.URL}, map[string]string{"bot": "123:abc"})
	if err != nil {
		t.Fatalf("NewTelegramNotifier returned error: %v", err)
	}
	if err := n.Notify(context.Background(), productEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	req := srv.only(t)
	if req.Path != "/bot123:abc/sendMessage" {
		t.Fatalf("unexpected path %q", req.Path)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(req.Body), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["chat_id"] != "42" || payload["parse_mode"] != "Markdown" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if !strings.HasSuffix(payload["text"], "Run: `run-1`") {
		t.Fatalf("unexpected text %q", payload["text"])
	}
}

func TestWebhookDefaultTemplate(t *testing.T) {
	srv := newCaptureServer(t, http.StatusAccepted)
	n, err := NewWebhookNotifier("hook", WebhookConfig{URL: srv.URL}, nil, render.New())
	if err != nil {
		t.Fatalf("NewWebhookNotifier returned error: %v", err)
	}
	if err := n.Notify(context.Background(), failureEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	req := srv.only(t)
	if req.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", req.Header.Get("Content-Type"))
	}
	var payload struct {
		Kind    string `json:"kind"`
		Status  string `json:"status"`
		Monitor struct {
			ID string `json:"id"`
		} `json:"monitor"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
		Product any `json:"product"`
	}
	if err := json.Unmarshal([]byte(req.Body), &payload); err != nil {
		t.Fatalf("default template should produce json: %v\n%s", err, req.Body)
	}
	if payload.Kind != "failure" || payload.Status != "error" || payload.Monitor.ID != "figures" || payload.Error.Type != "navigation" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Product != nil {
		t.Fatalf("product should be null, got %v", payload.Product)
	}
}

func TestWebhookCustomTemplateAndHeaders(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK)
	cfg := WebhookConfig{
		URL:      srv.URL,
		Method:   http.MethodPut,
		Headers:  map[string]string{"Authorization": `Bearer {{ secret "token" }}`},
		Template: `{{ .monitor.name }}: {{ join "; " .issues }}`,
	}
	n, err := NewWebhookNotifier("hook", cfg, map[string]string{"token": "s3cr3t"}, render.New())
	if err != nil {
		t.Fatalf("NewWebhookNotifier returned error: %v", err)
	}
	if err := n.Notify(context.Background(), structureEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	req := srv.only(t)
	if req.Method != http.MethodPut || req.Header.Get("Authorization") != "Bearer s3cr3t" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("unexpected content type %q", req.Header.Get("Content-Type"))
	}
	if req.Body != `Figures: price: selector "p.price" not found` {
		t.Fatalf("unexpected body %q", req.Body)
	}
}

func TestTwilioSMSSendsToEachRecipient(t *testing.T) {
	srv := newCaptureServer(t, http.StatusCreated)
	cfg := TwilioSMSConfig{AccountSID: "AC1", AuthTokenRef: "tw", From: "+100", To: []string{"+201", "+202"}, APIBase: srv.URL}
	n, err := NewTwilioSMSNotifier("sms", cfg, map[string]string{"tw": "token"})
	if err != nil {
		t.Fatalf("NewTwilioSMSNotifier returned error: %v", err)
	}
	if err := n.Notify(context.Background(), productEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(srv.requests))
	}
	req := srv.requests[1]
	if req.Path != "/2010-04-01/Accounts/AC1/Messages.json" {
		t.Fatalf("unexpected path %q", req.Path)
	}
	form, err := url.ParseQuery(req.Body)
	if err != nil {
		t.Fatalf("parse form: %v", err)
	}
	if form.Get("To") != "+202" || !strings.HasPrefix(form.Get("Body"), "[Figures] product information retrieved") {
		t.Fatalf("unexpected form %v", form)
	}
	if !strings.HasPrefix(req.Header.Get("Authorization"), "Basic ") {
		t.Fatal("expected basic auth")
	}
}

func TestVonageSMSRequiresCredentials(t *testing.T) {
	if _, err := NewVonageSMSNotifier("sms", VonageSMSConfig{APIKey: "k"}, nil); err == nil {
		t.Fatal("expected error without api secret")
	}
	if _, err := NewVonageSMSNotifier("sms", VonageSMSConfig{APIKeyRef: "missing"}, map[string]string{}); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestVonageSMSForm(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK)
	cfg := VonageSMSConfig{APIKey: "k", APISecretRef: "vs", From: "pagewatch", To: []string{"+300"}, MessagePrefix: "[ALERT]", APIBase: srv.URL}
	n, err := NewVonageSMSNotifier("sms", cfg, map[string]string{"vs": "secret"})
	if err != nil {
		t.Fatalf("NewVonageSMSNotifier returned error: %v", err)
	}
	if err := n.Notify(context.Background(), failureEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	req := srv.only(t)
	form, _ := url.ParseQuery(req.Body)
	if req.Path != "/sms/json" || form.Get("api_secret") != "secret" {
		t.Fatalf("unexpected request %+v", req)
	}
	if !strings.HasPrefix(form.Get("text"), "[ALERT] [Figures]") {
		t.Fatalf("unexpected text %q", form.Get("text"))
	}
}

func TestSMSBodyIsTruncated(t *testing.T) {
	ev := productEvent()
	ev.Summary = strings.Repeat("x", 1000)
	body := smsBody("", ev)
	if len(body) != smsMaxMessageChars || !strings.HasSuffix(body, "...") {
		t.Fatalf("unexpected body length %d", len(body))
	}

	ev.Summary = "x" + strings.Repeat("商品情報", 200)
	body = smsBody("", ev)
	if !utf8.ValidString(body) {
		t.Fatal("truncated body is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(body); n != smsMaxMessageChars || !strings.HasSuffix(body, "...") {
		t.Fatalf("expected %d characters, got %d", smsMaxMessageChars, n)
	}

	ev.Summary = strings.Repeat("情", 100)
	if body := smsBody("", ev); strings.HasSuffix(body, "...") {
		t.Fatalf("short multibyte body should not be truncated: %q", body)
	}
}

func TestTwilioVoiceEscapesTwiml(t *testing.T) {
	srv := newCaptureServer(t, http.StatusCreated)
	cfg := TwilioVoiceConfig{AccountSID: "AC1", From: "+100", To: []string{"+201"}, APIBase: srv.URL}
	n, err := NewTwilioVoiceNotifier("voice", cfg, nil)
	if err != nil {
		t.Fatalf("NewTwilioVoiceNotifier returned error: %v", err)
	}
	ev := failureEvent()
	ev.Monitor.Name = "A & B"
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	form, _ := url.ParseQuery(srv.only(t).Body)
	if !strings.HasPrefix(form.Get("Twiml"), "<Response><Say>A &amp; B. Status error.") {
		t.Fatalf("unexpected twiml %q", form.Get("Twiml"))
	}
}

func TestVonageVoiceRendersMessageTemplate(t *testing.T) {
	srv := newCaptureServer(t, http.StatusCreated)
	cfg := VonageVoiceConfig{JWTRef: "jwt", From: "+100", To: []string{"+201"}, Message: "{{ .monitor.name }} is {{ .status }}", APIBase: srv.URL}
	n, err := NewVonageVoiceNotifier("voice", cfg, map[string]string{"jwt": "token"}, render.New())
	if err != nil {
		t.Fatalf("NewVonageVoiceNotifier returned error: %v", err)
	}
	if err := n.Notify(context.Background(), structureEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	req := srv.only(t)
	if req.Path != "/v1/calls" || req.Header.Get("Authorization") != "Bearer token" {
		t.Fatalf("unexpected request %+v", req)
	}
	var payload struct {
		NCCO []struct {
			Text string `json:"text"`
		} `json:"ncco"`
	}
	if err := json.Unmarshal([]byte(req.Body), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.NCCO[0].Text != "Figures is error" {
		t.Fatalf("unexpected spoken text %q", payload.NCCO[0].Text)
	}
}

func TestEmailCompose(t *testing.T) {
	n, err := NewEmailNotifier("mail", EmailConfig{SMTPHost: "smtp.example", From: "a@example", To: []string{"b@example"}}, nil)
	if err != nil {
		t.Fatalf("NewEmailNotifier returned error: %v", err)
	}
	em := n.(*emailNotifier).compose(structureEvent())
	if em.Subject != "[ERROR] Figures: significant structural change" {
		t.Fatalf("unexpected subject %q", em.Subject)
	}
	if !strings.Contains(string(em.Text), "Missing: p.price") {
		t.Fatalf("unexpected body %q", em.Text)
	}
	if em.Headers.Get("X-Pagewatch-Run") != "run-2" {
		t.Fatalf("unexpected run header %q", em.Headers.Get("X-Pagewatch-Run"))
	}
	if n.(*emailNotifier).cfg.SMTPPort != smtpsPort {
		t.Fatal("expected default smtps port")
	}

	failure := n.(*emailNotifier).compose(failureEvent())
	if !strings.Contains(string(failure.Text), "Details:") {
		t.Fatalf("failure mail should carry details, got %q", failure.Text)
	}
}

func TestBuildRegistry(t *testing.T) {
	factory := Factory{
		Secrets:  map[string]string{"hook": "http://127.0.0.1/hook", "tw": "token"},
		Render:   render.New(),
		Location: time.UTC,
	}
	configs := []config.NotifierConfig{
		{ID: "slack", Type: "slack", Config: map[string]interface{}{"webhook_url_ref": "hook"}},
		{ID: "hook", Type: "webhook", Config: map[string]interface{}{"url": "http://127.0.0.1/x"}},
		{ID: "sms", Type: "sms", Config: map[string]interface{}{"account_sid": "AC1", "auth_token_ref": "tw", "to": []interface{}{"+1"}}},
		{ID: "vsms", Type: "sms", Config: map[string]interface{}{"provider": "vonage", "api_key": "k", "api_secret": "s"}},
		{ID: "tg", Type: "telegram", Config: map[string]interface{}{"chat_id": 42}},
	}
	reg, err := Build(factory, configs)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if reg.Len() != len(configs) {
		t.Fatalf("unexpected registry size %d", reg.Len())
	}
	if _, ok := reg.Get("vsms"); !ok {
		t.Fatal("vonage sms notifier not registered")
	}

	selected, err := reg.Select([]string{"hook", "slack"})
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if selected[0].ID() != "hook" || selected[1].ID() != "slack" {
		t.Fatalf("Select should keep order, got %s, %s", selected[0].ID(), selected[1].ID())
	}
	if _, err := reg.Select([]string{"slack", "nope"}); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected unknown notifier error, got %v", err)
	}
}

func TestBuildRejectsUnknownType(t *testing.T) {
	_, err := Build(Factory{}, []config.NotifierConfig{{ID: "x", Type: "pager"}})
	if err == nil || !strings.Contains(err.Error(), `notifier "x"`) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	_, err = Build(Factory{}, []config.NotifierConfig{{ID: "sms", Type: "sms", Config: map[string]interface{}{"provider": "carrier-pigeon"}}})
	if err == nil || !strings.Contains(err.Error(), `unsupported sms provider "carrier-pigeon"`) {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
}
