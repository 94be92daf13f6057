package identity

import (
	"context"
	"net/url"

	"go.uber.org/zap"
)

// LogMailer writes recovery links to the log instead of sending mail. It is
// meant for development deployments without an outbound mail relay.
type LogMailer struct {
	logger *zap.Logger
	// LinkBase is the update-password screen the code is appended to.
	LinkBase string
}

// NewLogMailer returns a mailer that logs links built on linkBase.
func NewLogMailer(logger *zap.Logger, linkBase string) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger, LinkBase: linkBase}
}

func (m *LogMailer) SendRecovery(_ context.Context, email, code string) error {
	link := m.LinkBase + "?code=" + url.QueryEscape(code)
	m.logger.Info("recovery link (development mailer)", zap.String("email", email), zap.String("link", link))
	return nil
}
