// Package storage ships finished segment files to an S3-compatible object
// store. It is the production transport behind the upload queue.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/skycastlive/skycast-go/config"
	"github.com/skycastlive/skycast-go/uploadqueue"
)

// S3Uploader implements uploadqueue.Uploader backed by an S3-compatible
// service.
type S3Uploader struct {
	uploader *manager.Uploader
	bucket   string
	baseURL  string
}

// NewS3Uploader configures an uploader targeting the provided object store.
func NewS3Uploader(ctx context.Context, cfg config.ObjectStoreConfig) (*S3Uploader, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 uploader: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if strings.TrimSpace(cfg.Endpoint) != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:           cfg.Endpoint,
					SigningRegion: cfg.Region,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
		u.LeavePartsOnError = false
	})

	return &S3Uploader{
		uploader: uploader,
		bucket:   cfg.Bucket,
		baseURL:  strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}, nil
}

// Upload ships one file to the configured bucket under the given key. One
// call per attempt; the queue owns retries. Credential rejections come back
// wrapped as permanent so the queue stops retrying them.
func (s *S3Uploader) Upload(ctx context.Context, key, filePath string) error {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return uploadqueue.Permanent(errors.New("s3 uploader: empty key"))
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			// The segment file is gone for good; retrying cannot help.
			return uploadqueue.Permanent(fmt.Errorf("s3 uploader open %s: %w", filePath, err))
		}
		return fmt.Errorf("s3 uploader open %s: %w", filePath, err)
	}
	defer file.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		if isCredentialRejection(err) {
			return uploadqueue.Permanent(fmt.Errorf("s3 uploader upload %s: %w", key, err))
		}
		return fmt.Errorf("s3 uploader upload %s: %w", key, err)
	}

	return nil
}

// PublicURL returns the address the uploaded object is served from, or the
// bare key when no public base URL is configured.
func (s *S3Uploader) PublicURL(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.baseURL == "" {
		return key
	}
	return fmt.Sprintf("%s/%s", s.baseURL, key)
}

func isCredentialRejection(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status == http.StatusUnauthorized || status == http.StatusForbidden
	}
	return false
}
