package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

// webhookPayload carries a chat-friendly "text" line alongside the
// structured summary, so Slack-style incoming webhooks render it as is.
type webhookPayload struct {
	Text       string                 `json:"text"`
	WebsiteURL string                 `json:"website_url"`
	ScanID     string                 `json:"scan_id"`
	RiskScore  int                    `json:"risk_score"`
	Counts     map[types.Severity]int `json:"counts"`
	ReportURL  string                 `json:"report_url"`
	Findings   []FindingSummary       `json:"findings"`
}

// WebhookNotifier posts to the chat webhook the owner configured. Owners
// without one are skipped silently.
type WebhookNotifier struct {
	client     *http.Client
	enableSSRF bool
}

// NewWebhookNotifier posts with client. With enableSSRF, webhook URLs that
// point at private or loopback addresses are refused.
func NewWebhookNotifier(client *http.Client, enableSSRF bool) *WebhookNotifier {
	if client == nil {
		cfg := httpclient.DefaultConfig()
		cfg.EnableSSRF = enableSSRF
		cfg.FollowRedirects = false
		client = httpclient.NewSecureClient(cfg)
	}
	return &WebhookNotifier{client: client, enableSSRF: enableSSRF}
}

func (w *WebhookNotifier) Name() string { return "chat_webhook" }

func (w *WebhookNotifier) Notify(ctx context.Context, event *types.ScanCompletedWithFindings) error {
	target := event.Website.ChatWebhookURL
	if target == "" {
		return nil
	}
	if err := w.validate(target); err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}

	payload := webhookPayload{
		Text: fmt.Sprintf("%s (risk score %d/100). %s",
			alertSubject(event), event.Scan.RiskScore, event.ReportURL),
		WebsiteURL: event.Website.URL,
		ScanID:     event.Scan.ID,
		RiskScore:  event.Scan.RiskScore,
		Counts:     event.CountsBySeverity,
		ReportURL:  event.ReportURL,
		Findings:   Summarize(event.Findings),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer httpclient.CloseBody(resp)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookNotifier) validate(target string) error {
	if w.enableSSRF {
		return httpclient.ValidateURL(target)
	}
	u, err := url.Parse(target)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}
