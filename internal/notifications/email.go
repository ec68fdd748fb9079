// Package notifications delivers customer-facing email: unlock credentials,
// payment trouble notices, device-change alerts. Callers treat delivery as
// fire-and-forget; nothing in the request path blocks on SMTP.
package notifications

import (
	"bytes"
	"crypto/tls"
	"embed"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/config"
	"github.com/tillware/license-server/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

// EmailService sends customer notifications over SMTP.
type EmailService struct {
	config    config.SMTPConfig
	templates *template.Template
	logger    zerolog.Logger
}

// NewEmailService creates a new email service.
func NewEmailService(cfg config.SMTPConfig, logger zerolog.Logger) (*EmailService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid smtp config: %w", err)
	}

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}

	return &EmailService{
		config:    cfg,
		templates: tmpl,
		logger:    logger.With().Str("component", "email_service").Logger(),
	}, nil
}

// UnlockCredentialData holds data for the unlock credential template.
type UnlockCredentialData struct {
	Credential string
}

// PaymentFailedData holds data for the payment failed template.
type PaymentFailedData struct {
	Failures  int
	PortalURL string
}

// NewDeviceData holds data for the device change alert template.
type NewDeviceData struct {
	Hostname   string
	OS         string
	AppVersion string
}

// SendUnlockCredential delivers the credential minted at first checkout.
func (s *EmailService) SendUnlockCredential(to, credential string) error {
	return s.sendTemplate(to, "Your license is ready", "unlock_credential.html",
		UnlockCredentialData{Credential: credential})
}

// SendRecoveryCredential redelivers the issued credential after a recovery
// request. The credential never changes; this is a resend, not a rotation.
func (s *EmailService) SendRecoveryCredential(to, credential string) error {
	return s.sendTemplate(to, "Your license credential", "recovery_credential.html",
		UnlockCredentialData{Credential: credential})
}

// SendPaymentFailedNotice warns a customer about consecutive payment failures.
func (s *EmailService) SendPaymentFailedNotice(to string, failures int, portalURL string) error {
	return s.sendTemplate(to, "Payment problem with your subscription", "payment_failed.html",
		PaymentFailedData{Failures: failures, PortalURL: portalURL})
}

// SendNewDeviceAlert tells a customer their license was activated on a
// device it has not been seen on before.
func (s *EmailService) SendNewDeviceAlert(to string, device models.DeviceInfo) error {
	return s.sendTemplate(to, "Your license was used on a new device", "new_device_alert.html",
		NewDeviceData{Hostname: device.Hostname, OS: device.OS, AppVersion: device.AppVersion})
}

// sendTemplate renders a template and sends the email.
func (s *EmailService) sendTemplate(to, subject, templateName string, data interface{}) error {
	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, templateName, data); err != nil {
		return fmt.Errorf("execute template %s: %w", templateName, err)
	}
	return s.send(to, subject, body.String())
}

func (s *EmailService) send(to, subject, htmlBody string) error {
	s.logger.Debug().
		Str("to", to).
		Str("subject", subject).
		Msg("sending email")

	msg := s.buildMessage(to, subject, htmlBody)
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var err error
	if s.config.TLS {
		err = s.sendTLS(addr, to, msg)
	} else {
		err = s.sendPlain(addr, to, msg)
	}
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("to", to).
			Str("subject", subject).
			Msg("failed to send email")
		return fmt.Errorf("send email: %w", err)
	}

	s.logger.Info().
		Str("to", to).
		Str("subject", subject).
		Msg("email sent successfully")
	return nil
}

// buildMessage constructs the email message with headers.
func (s *EmailService) buildMessage(to, subject, htmlBody string) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", s.config.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", to))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(htmlBody)
	return buf.Bytes()
}

// sendPlain sends email without TLS (for port 25 or trusted networks).
func (s *EmailService) sendPlain(addr, to string, msg []byte) error {
	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}
	return smtp.SendMail(addr, auth, s.config.From, []string{to}, msg)
}

// sendTLS sends email with TLS (for port 465 or STARTTLS on port 587).
func (s *EmailService) sendTLS(addr, to string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: s.config.Host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err = client.Mail(s.config.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err = client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to %s: %w", to, err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("close message writer: %w", err)
	}

	return client.Quit()
}
