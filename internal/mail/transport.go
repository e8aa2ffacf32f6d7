// Package mail is the capability boundary to the outside world: it converts
// a resolved message into a provider send call and classifies provider
// failures so the worker can tell retryable from hopeless.
package mail

import (
	"context"
	"errors"
	"fmt"
)

// Attachment is a resolved attachment blob ready for MIME encoding.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// OutboundEmail is the fully resolved payload handed to a Transport.
type OutboundEmail struct {
	TenantID    string
	Recipient   string
	Subject     string
	Body        string
	InReplyTo   string
	Attachments []Attachment
}

// Receipt is returned on successful delivery.
type Receipt struct {
	ProviderMessageID string
}

// Transport sends one email. Implementations must be safely retryable; the
// at-least-once risk on transient failure is tolerated upstream.
type Transport interface {
	Send(ctx context.Context, email OutboundEmail) (Receipt, error)
}

// SendError classifies a delivery failure. Permanent failures (rejected
// address, unverified sender) must not consume retry budget; anything else
// is retried with backoff.
type SendError struct {
	Reason    string
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *SendError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a permanent delivery classification.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}
