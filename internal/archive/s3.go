package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"storypipe/internal/config"
	"storypipe/internal/domain"
	logx "storypipe/pkg/logx"
)

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads units to <prefix>/<account>/<period>/<file> and removes the
// local copy once the upload succeeded.
type S3 struct {
	client putter
	bucket string
	prefix string
	log    logx.Logger
}

var loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

func NewS3(ctx context.Context, cfg config.S3Config, log logx.Logger) (*S3, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: s3 bucket is empty", domain.ErrConfig)
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3(client, cfg.Bucket, cfg.Prefix, log), nil
}

func newS3(client putter, bucket, prefix string, log logx.Logger) *S3 {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), log: log.Component("archive.s3")}
}

func (a *S3) Name() string { return "s3" }

// Key is the object key for one unit.
func (a *S3) Key(account, period, file string) string {
	return path.Join(a.prefix, account, period, file)
}

func (a *S3) Archive(ctx context.Context, account, period string, paths []string) error {
	for _, p := range paths {
		if err := a.put(ctx, account, period, p); err != nil {
			return err
		}
		if err := os.Remove(p); err != nil {
			a.log.Warn("archived unit not removed", logx.String("path", p), logx.Err(err))
		}
	}
	return nil
}

func (a *S3) put(ctx context.Context, account, period, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("archive %s: %w", filepath.Base(p), err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	key := a.Key(account, period, filepath.Base(p))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
		ContentType:   aws.String("video/mp4"),
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w: %v", key, domain.ErrNetwork, err)
	}
	a.log.Debug("unit archived", logx.String("bucket", a.bucket), logx.String("key", key))
	return nil
}
