package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
)

const TemplatePurchaseConfirmed = "purchase_confirmed"

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}

func (p *NoOpProvider) SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error {
	return nil
}

// Render executes a bundled template and resolves its subject line.
func Render(templateName string, data map[string]any) (subject string, body string, err error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, templateName+".html", data); err != nil {
		return "", "", fmt.Errorf("failed to execute template: %w", err)
	}

	subject = "Notification from ImpactLedger"
	if subj, ok := data["subject"].(string); ok && subj != "" {
		subject = subj
	} else if templateName == TemplatePurchaseConfirmed {
		subject = "Purchase Confirmed - Your Blockchain Token"
	}
	return subject, buf.String(), nil
}
