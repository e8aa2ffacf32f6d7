package mail

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogTransport logs instead of sending. Used in dev when no sender address
// is configured.
type LogTransport struct {
	log *zap.Logger
}

func NewLogTransport(log *zap.Logger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) Send(_ context.Context, email OutboundEmail) (Receipt, error) {
	id := fmt.Sprintf("log-%s", uuid.New().String())
	t.log.Info("email not sent (log transport)",
		zap.String("tenant", email.TenantID),
		zap.String("recipient", email.Recipient),
		zap.String("subject", email.Subject),
		zap.Int("attachments", len(email.Attachments)),
		zap.String("provider_message_id", id),
	)
	return Receipt{ProviderMessageID: id}, nil
}
