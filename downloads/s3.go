package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Options configures access to s3:// model sources. Empty fields fall back
// to the default AWS credential chain.
type S3Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// IsS3URL reports whether a source URL refers to an S3 object.
func IsS3URL(raw string) bool {
	return strings.HasPrefix(raw, "s3://")
}

// ParseS3URL splits s3://bucket/key into its parts.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 url: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 url: %s", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url missing object key: %s", raw)
	}
	return u.Host, key, nil
}

func newS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// FetchS3 downloads an s3://bucket/key object to a local path with progress
// tracking.
func FetchS3(ctx context.Context, destPath, rawURL string, opts S3Options, progressCb ByteProgressCallback) error {
	bucket, key, err := ParseS3URL(rawURL)
	if err != nil {
		return err
	}

	client, err := newS3Client(ctx, opts)
	if err != nil {
		return err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("s3 get %s/%s: %s: %w", bucket, key, apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	var totalSize int64
	if out.ContentLength != nil {
		totalSize = *out.ContentLength
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	downloaded := int64(0)
	buffer := make([]byte, DefaultBufferSize)
	lastReport := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := out.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := f.Write(buffer[:n]); writeErr != nil {
				return fmt.Errorf("failed to write to file: %w", writeErr)
			}
			downloaded += int64(n)

			if progressCb != nil && time.Since(lastReport) >= 100*time.Millisecond {
				progressCb(downloaded, totalSize)
				lastReport = time.Now()
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read object body: %w", err)
		}
	}

	if progressCb != nil {
		progressCb(downloaded, totalSize)
	}

	return nil
}
