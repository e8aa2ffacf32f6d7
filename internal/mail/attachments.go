package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"outbound-delivery/internal/config"
)

// AttachmentStore resolves message attachment keys into blobs at send time.
type AttachmentStore interface {
	Fetch(ctx context.Context, key string) (Attachment, error)
}

// S3Attachments fetches attachment blobs from an S3 bucket.
type S3Attachments struct {
	client *s3.Client
	bucket string
}

// NewS3Attachments builds the store from shared config.
func NewS3Attachments(ctx context.Context, cfg config.Config) (*S3Attachments, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &S3Attachments{client: client, bucket: cfg.AttachmentBucket}, nil
}

func (a *S3Attachments) Fetch(ctx context.Context, key string) (Attachment, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// A missing blob is structural: retrying the send cannot fix it.
		var ae smithy.APIError
		if errors.As(err, &ae) && (ae.ErrorCode() == "NoSuchKey" || ae.ErrorCode() == "NotFound") {
			return Attachment{}, &SendError{Reason: fmt.Sprintf("attachment %s missing", key), Permanent: true, Err: err}
		}
		return Attachment{}, &SendError{Reason: fmt.Sprintf("fetch attachment %s", key), Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Attachment{}, &SendError{Reason: fmt.Sprintf("read attachment %s", key), Err: err}
	}
	return Attachment{
		Filename:    path.Base(key),
		ContentType: aws.ToString(out.ContentType),
		Data:        data,
	}, nil
}
