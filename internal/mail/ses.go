package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"outbound-delivery/internal/config"
)

// SESTransport delivers email through Amazon SES v2. Messages without
// threading headers or attachments use the simple content API; everything
// else is sent as raw MIME.
type SESTransport struct {
	client *sesv2.Client
	sender string
}

// NewSESTransport builds the transport from shared config.
func NewSESTransport(ctx context.Context, cfg config.Config) (*SESTransport, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SESTransport{
		client: sesv2.NewFromConfig(awsCfg),
		sender: cfg.SenderAddress,
	}, nil
}

func (t *SESTransport) Send(ctx context.Context, email OutboundEmail) (Receipt, error) {
	content, err := t.buildContent(email)
	if err != nil {
		return Receipt{}, &SendError{Reason: "build message", Permanent: true, Err: err}
	}

	out, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(t.sender),
		Destination:      &types.Destination{ToAddresses: []string{email.Recipient}},
		Content:          content,
	})
	if err != nil {
		return Receipt{}, classify(err)
	}

	return Receipt{ProviderMessageID: aws.ToString(out.MessageId)}, nil
}

func (t *SESTransport) buildContent(email OutboundEmail) (*types.EmailContent, error) {
	if email.InReplyTo == "" && len(email.Attachments) == 0 {
		return &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(email.Subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(email.Body)},
				},
			},
		}, nil
	}

	raw, err := buildMIME(t.sender, email)
	if err != nil {
		return nil, fmt.Errorf("build mime: %w", err)
	}
	return &types.EmailContent{Raw: &types.RawMessage{Data: raw}}, nil
}

// permanentSESCodes are provider rejections that retrying cannot fix.
var permanentSESCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"AccountSuspendedException":          true,
	"BadRequestException":                true,
	"NotFoundException":                  true,
}

func classify(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return &SendError{
			Reason:    fmt.Sprintf("ses %s", ae.ErrorCode()),
			Permanent: permanentSESCodes[ae.ErrorCode()],
			Err:       err,
		}
	}
	// Network errors, timeouts: transient.
	return &SendError{Reason: "ses send", Err: err}
}
