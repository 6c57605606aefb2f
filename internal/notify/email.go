package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/email"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

// Mailer is satisfied by *email.SMTPSender.
type Mailer interface {
	Send(ctx context.Context, msg email.Message) error
}

var alertBody = template.Must(template.New("alert").Parse(`Security scan results for {{.URL}}

Risk score: {{.RiskScore}}/100
{{range .Counts}}{{.Severity}}: {{.Count}}
{{end}}
{{range .Findings}}- [{{.Severity}}] {{.Title}} ({{.Component}} {{.Version}}){{if .CVE}} {{.CVE}}{{end}}{{if .FixedIn}}, fixed in {{.FixedIn}}{{end}}
{{end}}{{if .More}}...and {{.More}} more
{{end}}
Full report: {{.ReportURL}}
`))

type severityCount struct {
	Severity types.Severity
	Count    int
}

type alertView struct {
	URL       string
	RiskScore int
	Counts    []severityCount
	Findings  []FindingSummary
	More      int
	ReportURL string
}

// EmailNotifier mails the website owner.
type EmailNotifier struct {
	mailer Mailer
}

func NewEmailNotifier(m Mailer) *EmailNotifier {
	return &EmailNotifier{mailer: m}
}

func (e *EmailNotifier) Name() string { return "email" }

func (e *EmailNotifier) Notify(ctx context.Context, event *types.ScanCompletedWithFindings) error {
	to := strings.TrimSpace(event.Website.OwnerEmail)
	if to == "" {
		return fmt.Errorf("website %s has no owner email", event.Website.ID)
	}

	body, err := renderAlert(event)
	if err != nil {
		return err
	}

	return e.mailer.Send(ctx, email.Message{
		To:      []string{to},
		Subject: alertSubject(event),
		Body:    body,
		Headers: map[string]string{
			"X-Wpsentry-Scan-ID":    event.Scan.ID,
			"X-Wpsentry-Risk-Score": strconv.Itoa(event.Scan.RiskScore),
		},
	})
}

func alertSubject(event *types.ScanCompletedWithFindings) string {
	n := len(event.Findings)
	noun := "vulnerabilities"
	if n == 1 {
		noun = "vulnerability"
	}
	return fmt.Sprintf("[wpsentry] %d %s found on %s", n, noun, event.Website.URL)
}

func renderAlert(event *types.ScanCompletedWithFindings) (string, error) {
	view := alertView{
		URL:       event.Website.URL,
		RiskScore: event.Scan.RiskScore,
		Findings:  Summarize(event.Findings),
		ReportURL: event.ReportURL,
	}
	view.More = len(event.Findings) - len(view.Findings)
	for _, sev := range severityOrder {
		if c := event.CountsBySeverity[sev]; c > 0 {
			view.Counts = append(view.Counts, severityCount{Severity: sev, Count: c})
		}
	}

	var b strings.Builder
	if err := alertBody.Execute(&b, view); err != nil {
		return "", fmt.Errorf("failed to render alert: %w", err)
	}
	return b.String(), nil
}
