/*
Package blob mints presigned URLs for user uploads on an S3-compatible store.

PURPOSE:
  Proof screenshots and avatars never pass through the API server. The client
  asks for a short-lived PUT URL, uploads directly to the bucket and then
  stores the returned object key on its submission or profile. Viewing goes
  through a second, longer-lived GET URL.

KEYS:
  <folder>/<unix-ms>_<filename>   folder is "avatars" or "proofs"; whitespace
                                  runs in the filename become "_"

SEE ALSO:
  - api/uploads.go: HTTP boundary
*/
package blob

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	FolderAvatars = "avatars"
	FolderProofs  = "proofs"

	UploadExpiry = 5 * time.Minute
	ViewExpiry   = 24 * time.Hour
)

var ErrMissingKey = errors.New("object key is required")

// Config describes a Cloudflare R2 bucket.
type Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
}

// Enabled reports whether every field needed to sign URLs is set.
func (c Config) Enabled() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.AccessKeySecret != "" && c.Bucket != ""
}

func (c Config) endpoint() string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID)
}

type Upload struct {
	URL string
	Key string
}

// Presigner is what the HTTP layer needs from object storage.
type Presigner interface {
	PresignUpload(ctx context.Context, folder, filename, contentType string) (*Upload, error)
	PresignView(ctx context.Context, key string) (string, error)
}

type S3Presigner struct {
	client *s3.PresignClient
	bucket string
	now    func() time.Time
}

var _ Presigner = (*S3Presigner)(nil)

// NewS3Presigner builds a presigner for the R2 bucket in cfg.
func NewS3Presigner(ctx context.Context, cfg Config) (*S3Presigner, error) {
	if !cfg.Enabled() {
		return nil, errors.New("blob storage is not configured")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.endpoint())
		o.UsePathStyle = true
	})
	return &S3Presigner{
		client: s3.NewPresignClient(client),
		bucket: cfg.Bucket,
		now:    time.Now,
	}, nil
}

func (p *S3Presigner) PresignUpload(ctx context.Context, folder, filename, contentType string) (*Upload, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, errors.New("filename is required")
	}
	key := ObjectKey(folder, filename, p.now())

	input := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	req, err := p.client.PresignPutObject(ctx, input, s3.WithPresignExpires(UploadExpiry))
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}
	return &Upload{URL: req.URL, Key: key}, nil
}

func (p *S3Presigner) PresignView(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrMissingKey
	}
	req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ViewExpiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign view: %w", err)
	}
	return req.URL, nil
}

var unsafeName = regexp.MustCompile(`[\s/\\]+`)

// ObjectKey builds the object key for an upload. Unknown folders fall back to
// proofs.
func ObjectKey(folder, filename string, now time.Time) string {
	if folder != FolderAvatars {
		folder = FolderProofs
	}
	return fmt.Sprintf("%s/%d_%s", folder, now.UnixMilli(), unsafeName.ReplaceAllString(strings.TrimSpace(filename), "_"))
}
