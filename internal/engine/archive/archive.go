// Package archive uploads downloaded resumes to an S3-compatible bucket
// (AWS S3 or Cloudflare R2) and hands back a link the sheet can carry.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
)

// PresignExpiry is how long presigned links stay valid.
const PresignExpiry = 7 * 24 * time.Hour

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Archive stores objects under resumes/<application id>/<filename>.
type S3Archive struct {
	objects   objectAPI
	presign   presignAPI
	bucket    string
	publicURL string
}

// New builds an archive from config. It returns nil, nil when no bucket is
// configured.
func New(ctx context.Context, cfg engine.Config) (*S3Archive, error) {
	if cfg.ArchiveBucket == "" {
		return nil, nil
	}
	region := cfg.ArchiveRegion
	if region == "" {
		region = "auto"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.ArchiveAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", engine.ErrConfig, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveEndpoint)
			o.UsePathStyle = true
		}
	})
	slog.Info("archive: enabled",
		slog.String("bucket", cfg.ArchiveBucket),
		slog.String("endpoint", cfg.ArchiveEndpoint),
		slog.Bool("public", cfg.ArchivePublicURL != ""))
	return &S3Archive{
		objects:   client,
		presign:   s3.NewPresignClient(client),
		bucket:    cfg.ArchiveBucket,
		publicURL: cfg.ArchivePublicURL,
	}, nil
}

// Put uploads data and returns the public or presigned URL of the object.
func (a *S3Archive) Put(ctx context.Context, applicationID int64, filename, contentType string, data []byte) (string, error) {
	key := ObjectKey(applicationID, filename)
	_, err := a.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	if a.publicURL != "" {
		return PublicURL(a.publicURL, key), nil
	}
	req, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(PresignExpiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// ObjectKey returns resumes/<id>/<base name of filename>.
func ObjectKey(applicationID int64, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		name = "resume"
	}
	return "resumes/" + strconv.FormatInt(applicationID, 10) + "/" + name
}

// PublicURL joins base and key, escaping each key segment.
func PublicURL(base, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(parts, "/")
}
