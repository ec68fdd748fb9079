package notifications

import (
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/models"
)

// LogMailer stands in for the email service when SMTP is not configured.
// Credentials are never logged; only the fact that a send was skipped.
type LogMailer struct {
	logger zerolog.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger zerolog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With().Str("component", "email_service").Logger()}
}

func (m *LogMailer) skip(kind, to string) error {
	m.logger.Warn().Str("kind", kind).Str("to", to).Msg("smtp not configured, skipping email")
	return nil
}

func (m *LogMailer) SendUnlockCredential(to, _ string) error {
	return m.skip("unlock_credential", to)
}

func (m *LogMailer) SendRecoveryCredential(to, _ string) error {
	return m.skip("recovery_credential", to)
}

func (m *LogMailer) SendPaymentFailedNotice(to string, _ int, _ string) error {
	return m.skip("payment_failed", to)
}

func (m *LogMailer) SendNewDeviceAlert(to string, _ models.DeviceInfo) error {
	return m.skip("new_device_alert", to)
}
