package blob

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	stderrors "errors"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// S3Config configures the S3-compatible backend. Endpoint is only set for
// non-AWS services (MinIO, Supabase storage); AccessKey/SecretKey fall back
// to the SDK default chain when empty.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3 stores objects in an S3-compatible bucket.
type S3 struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

// NewS3 builds the client. It does not touch the network; bucket
// reachability is a preflight concern.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.KindConfig, "s3 bucket is required", nil)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(errors.KindConfig, err, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// MinIO and friends route by path, not virtual host.
			o.UsePathStyle = true
		}
	})

	return &S3{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
	}, nil
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(errors.KindInternal, err, "buffer object %s", key)
	}
	if size >= 0 && int64(len(data)) != size {
		return errors.Newf(errors.KindInvalidInput,
			"object %s size mismatch: declared %d, received %d", key, size, len(data))
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return errors.Wrapf(errors.KindInternal, err, "put object %s", key)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.NotFound("object", key)
		}
		return nil, errors.Wrapf(errors.KindBlobDownloadFailed, err, "get object %s", key)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(errors.KindBlobDownloadFailed, err, "read object %s", key)
	}
	return data, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(errors.KindInternal, err, "delete object %s", key)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(errors.KindInternal, err, "head object %s", key)
	}
	return true, nil
}

// PresignPut issues a direct-to-bucket PUT URL so document bytes never
// transit the gateway in cloud mode.
func (s *S3) PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	req, err := s.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", errors.Wrapf(errors.KindInternal, err, "presign put %s", key)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if stderrors.As(err, &notFound) {
		return true
	}
	var noKey *types.NoSuchKey
	return stderrors.As(err, &noKey)
}
