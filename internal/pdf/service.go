// Package pdf implements the §6 invoice PDF storage abstraction:
// put/get_url/get_bytes over S3, grounded on the teacher's internal/s3
// service (same bucket/key-prefix config shape, same presigned-URL and
// object-existence operations), narrowed to the one document kind this
// module persists.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"

	"github.com/meteroid-oss/meteroid-sub001/internal/config"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
)

const defaultPresignExpiry = 30 * time.Minute

// Store is the invoice-PDF object storage contract: put the rendered
// bytes once at finalize time, and later retrieve them or a
// time-limited URL a customer-facing surface can redirect to.
type Store interface {
	Put(ctx context.Context, invoiceID string, data []byte) error
	GetBytes(ctx context.Context, invoiceID string) ([]byte, error)
	GetPresignedURL(ctx context.Context, invoiceID string) (string, error)
	Exists(ctx context.Context, invoiceID string) (bool, error)
}

type s3Store struct {
	client *s3.Client
	cfg    *config.S3Config
}

// NewS3Store builds a Store backed by the S3 section of cfg. Returns
// (nil, nil) when S3 is disabled, mirroring the teacher's
// no-object-storage-configured deployment mode.
func NewS3Store(ctx context.Context, cfg *config.Configuration) (Store, error) {
	if !cfg.S3.Enabled {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		return nil, ierr.WithError(err).WithHint("loading aws config for invoice pdf store").Mark(ierr.ErrSystem)
	}
	return &s3Store{client: s3.NewFromConfig(awsCfg), cfg: &cfg.S3}, nil
}

func (s *s3Store) key(invoiceID string) string {
	if s.cfg.InvoiceBucketConfig.KeyPrefix != "" {
		return fmt.Sprintf("%s/%s.pdf", s.cfg.InvoiceBucketConfig.KeyPrefix, invoiceID)
	}
	return fmt.Sprintf("%s.pdf", invoiceID)
}

func (s *s3Store) bucket() string { return s.cfg.InvoiceBucketConfig.Bucket }

func (s *s3Store) Put(ctx context.Context, invoiceID string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket()),
		Key:         aws.String(s.key(invoiceID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return ierr.WithError(err).
			WithHintf("uploading invoice pdf bucket=%s key=%s", s.bucket(), s.key(invoiceID)).
			Mark(ierr.ErrSystem)
	}
	return nil
}

func (s *s3Store) GetBytes(ctx context.Context, invoiceID string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket()),
		Key:    aws.String(s.key(invoiceID)),
	})
	if err != nil {
		return nil, ierr.WithError(err).
			WithHintf("fetching invoice pdf bucket=%s key=%s", s.bucket(), s.key(invoiceID)).
			Mark(ierr.ErrSystem)
	}
	defer result.Body.Close()
	return io.ReadAll(result.Body)
}

func (s *s3Store) GetPresignedURL(ctx context.Context, invoiceID string) (string, error) {
	expiry, err := time.ParseDuration(s.cfg.InvoiceBucketConfig.PresignExpiryDuration)
	if err != nil {
		expiry = defaultPresignExpiry
	}
	presigner := s3.NewPresignClient(s.client)
	result, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket()),
		Key:    aws.String(s.key(invoiceID)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", ierr.WithError(err).
			WithHintf("presigning invoice pdf url bucket=%s key=%s", s.bucket(), s.key(invoiceID)).
			Mark(ierr.ErrSystem)
	}
	return result.URL, nil
}

func (s *s3Store) Exists(ctx context.Context, invoiceID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket()),
		Key:    aws.String(s.key(invoiceID)),
	})
	if err != nil {
		var notFound *s3types.NotFound
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
			return false, nil
		}
		return false, ierr.WithError(err).
			WithHintf("checking invoice pdf existence bucket=%s key=%s", s.bucket(), s.key(invoiceID)).
			Mark(ierr.ErrSystem)
	}
	return true, nil
}
