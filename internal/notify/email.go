// Package notify sends user-facing email for debit outcomes. Kafka
// notification events carry the same information for in-app channels;
// email is the fallback that works without the mobile client.
package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"os"
	"strconv"
	"time"

	"kore/engine/pkg/logging"
)

// EmailService handles email notifications
type EmailService struct {
	smtpHost     string
	smtpPort     int
	smtpUser     string
	smtpPassword string
	fromEmail    string
	fromName     string
	logger       logging.Logger
}

// EmailData represents data for email templates
type EmailData struct {
	FirstName    string
	Reference    string
	Amount       string
	Currency     string
	DebitDate    time.Time
	Reason       string
	Attempts     int
	DashboardURL string
}

// NewEmailService creates a new email service instance
func NewEmailService(logger logging.Logger) *EmailService {
	port, _ := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if port == 0 {
		port = 587
	}

	return &EmailService{
		smtpHost:     os.Getenv("SMTP_HOST"),
		smtpPort:     port,
		smtpUser:     os.Getenv("SMTP_USER"),
		smtpPassword: os.Getenv("SMTP_PASSWORD"),
		fromEmail:    os.Getenv("FROM_EMAIL"),
		fromName:     os.Getenv("FROM_NAME"),
		logger:       logger,
	}
}

// IsConfigured checks if email service is properly configured
func (es *EmailService) IsConfigured() bool {
	return es.smtpHost != "" && es.smtpUser != "" && es.smtpPassword != "" && es.fromEmail != ""
}

// SendDebitSuccessEmail sends a receipt for a settled auto-save debit
func (es *EmailService) SendDebitSuccessEmail(email, firstName, reference, amount, currency string, debitDate time.Time) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping debit success email")
		return nil
	}

	subject := fmt.Sprintf("Auto-save successful - %s %s", currency, amount)

	data := EmailData{
		FirstName:    firstName,
		Reference:    reference,
		Amount:       amount,
		Currency:     currency,
		DebitDate:    debitDate,
		DashboardURL: os.Getenv("BASE_URL") + "/dashboard",
	}

	body, err := es.renderTemplate("debit_success", data)
	if err != nil {
		return fmt.Errorf("failed to render debit success template: %w", err)
	}

	return es.sendEmail(email, subject, body)
}

// SendDebitFailedEmail sends notification when a scheduled debit fails
func (es *EmailService) SendDebitFailedEmail(email, firstName, reference, amount, currency, reason string) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping debit failed email")
		return nil
	}

	subject := "Auto-save debit failed"

	data := EmailData{
		FirstName:    firstName,
		Reference:    reference,
		Amount:       amount,
		Currency:     currency,
		Reason:       reason,
		DashboardURL: os.Getenv("BASE_URL") + "/dashboard",
	}

	body, err := es.renderTemplate("debit_failed", data)
	if err != nil {
		return fmt.Errorf("failed to render debit failed template: %w", err)
	}

	return es.sendEmail(email, subject, body)
}

// SendRetriesExhaustedEmail sends notification when a debit keeps
// failing after the retry cap
func (es *EmailService) SendRetriesExhaustedEmail(email, firstName, reference, amount, currency string, attempts int) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping retries exhausted email")
		return nil
	}

	subject := "Auto-save needs your attention"

	data := EmailData{
		FirstName:    firstName,
		Reference:    reference,
		Amount:       amount,
		Currency:     currency,
		Attempts:     attempts,
		DashboardURL: os.Getenv("BASE_URL") + "/dashboard",
	}

	body, err := es.renderTemplate("retries_exhausted", data)
	if err != nil {
		return fmt.Errorf("failed to render retries exhausted template: %w", err)
	}

	return es.sendEmail(email, subject, body)
}

// SendMandateExpiredEmail sends notification when a pending mandate
// authorization was never completed
func (es *EmailService) SendMandateExpiredEmail(email, firstName string) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping mandate expired email")
		return nil
	}

	subject := "Your bank authorization expired"

	data := EmailData{
		FirstName:    firstName,
		DashboardURL: os.Getenv("BASE_URL") + "/dashboard",
	}

	body, err := es.renderTemplate("mandate_expired", data)
	if err != nil {
		return fmt.Errorf("failed to render mandate expired template: %w", err)
	}

	return es.sendEmail(email, subject, body)
}

// sendEmail sends an email via SMTP
func (es *EmailService) sendEmail(to, subject, body string) error {
	auth := smtp.PlainAuth("", es.smtpUser, es.smtpPassword, es.smtpHost)

	fromHeader := es.fromEmail
	if es.fromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", es.fromName, es.fromEmail)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		fromHeader, to, subject, body)

	addr := fmt.Sprintf("%s:%d", es.smtpHost, es.smtpPort)
	err := smtp.SendMail(addr, auth, es.fromEmail, []string{to}, []byte(msg))

	if err != nil {
		es.logger.WithFields(logging.Fields{
			"error":   err.Error(),
			"to":      to,
			"subject": subject,
		}).Error("Failed to send email")
		return err
	}

	es.logger.WithFields(logging.Fields{
		"to":      to,
		"subject": subject,
	}).Info("Email sent successfully")

	return nil
}

// renderTemplate renders an email template with data
func (es *EmailService) renderTemplate(templateName string, data EmailData) (string, error) {
	templates := map[string]string{
		"debit_success": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Auto-save Successful</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #27ae60;">Money saved!</h2>

        <p>Hi {{.FirstName}},</p>

        <p>Your scheduled auto-save went through and has been split across your buckets:</p>

        <div style="background-color: #d4edda; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #27ae60;">
            <p><strong>Amount:</strong> {{.Currency}} {{.Amount}}</p>
            <p><strong>Reference:</strong> {{.Reference}}</p>
            <p><strong>Date:</strong> {{.DebitDate.Format "January 2, 2006"}}</p>
        </div>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.DashboardURL}}" style="background-color: #27ae60; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">View Buckets</a>
        </p>

        <p>Keep saving,<br>The Kore Team</p>
    </div>
</body>
</html>`,

		"debit_failed": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Auto-save Failed</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #e74c3c;">Auto-save debit failed</h2>

        <p>Hi {{.FirstName}},</p>

        <p>We could not complete your scheduled auto-save:</p>

        <div style="background-color: #f8d7da; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #e74c3c;">
            <p><strong>Amount:</strong> {{.Currency}} {{.Amount}}</p>
            <p><strong>Reference:</strong> {{.Reference}}</p>
            <p><strong>Reason:</strong> {{.Reason}}</p>
        </div>

        <p>Please make sure your linked account has enough funds, or review your debit rule.</p>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.DashboardURL}}" style="background-color: #e74c3c; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">Review Rule</a>
        </p>

        <p>Best regards,<br>The Kore Team</p>
    </div>
</body>
</html>`,

		"retries_exhausted": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Auto-save Needs Attention</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #f39c12;">We paused this auto-save</h2>

        <p>Hi {{.FirstName}},</p>

        <p>We tried {{.Attempts}} times to complete your scheduled auto-save and could not:</p>

        <div style="background-color: #fff3cd; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #f39c12;">
            <p><strong>Amount:</strong> {{.Currency}} {{.Amount}}</p>
            <p><strong>Reference:</strong> {{.Reference}}</p>
        </div>

        <p>Your future auto-saves will continue as scheduled. This one needs you to top up your account or adjust your rule.</p>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.DashboardURL}}" style="background-color: #f39c12; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">Fix It Now</a>
        </p>

        <p>Best regards,<br>The Kore Team</p>
    </div>
</body>
</html>`,

		"mandate_expired": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Bank Authorization Expired</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #e74c3c;">Your bank authorization expired</h2>

        <p>Hi {{.FirstName}},</p>

        <p>You started linking your bank account for auto-save but did not finish the authorization in time, so it has expired.</p>

        <p>Auto-save stays off until you authorize a new mandate.</p>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.DashboardURL}}" style="background-color: #3498db; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">Link Account Again</a>
        </p>

        <p>Best regards,<br>The Kore Team</p>
    </div>
</body>
</html>`,
	}

	tmplContent, exists := templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	tmpl, err := template.New(templateName).Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}
