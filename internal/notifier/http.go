package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const notifyHTTPTimeout = 10 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: notifyHTTPTimeout}
}

// webhookSecret resolves a required webhook URL secret.
func webhookSecret(ref string, secrets map[string]string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("webhook_url_ref is required")
	}
	url, ok := secrets[ref]
	if !ok {
		return "", fmt.Errorf("missing secret %q", ref)
	}
	if url == "" {
		return "", fmt.Errorf("secret %q is empty", ref)
	}
	return url, nil
}

// postJSON sends body and fails on any status of 300 or above. service names
// the destination in errors.
func postJSON(ctx context.Context, client *http.Client, service, endpoint string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode payload: %w", service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", service, resp.Status)
	}
	return nil
}
