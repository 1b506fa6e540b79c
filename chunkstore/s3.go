package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	defaultNumRetries = 3
	defaultRetryWait  = 5 * time.Second
	partSizeMB        = 10
)

// S3Client is the part of *s3.Client the store calls.
type S3Client interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3StoreParams ...
type S3StoreParams struct {
	Bucket          string
	Directory       string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	NumRetries      uint
	// RetryWait defaults to 5s, a negative value retries without waiting.
	RetryWait time.Duration
}

// S3Store keeps every entry as an object under Bucket/Directory/.
type S3Store struct {
	client     S3Client
	uploader   *manager.Uploader
	bucket     string
	directory  string
	numRetries uint
	retryWait  time.Duration
	logger     log.Logger
}

// NewS3Store loads the AWS configuration and returns a store backed by a new S3 client.
func NewS3Store(ctx context.Context, params S3StoreParams, logger log.Logger) (*S3Store, error) {
	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewS3StoreWithClient(s3.NewFromConfig(*cfg), params, logger)
}

// NewS3StoreWithClient returns a store using an already configured client.
func NewS3StoreWithClient(client S3Client, params S3StoreParams, logger log.Logger) (*S3Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	directory := strings.Trim(path.Clean("/"+params.Directory), "/")

	numRetries := params.NumRetries
	if numRetries == 0 {
		numRetries = defaultNumRetries
	}
	retryWait := params.RetryWait
	if retryWait < 0 {
		retryWait = 0
	} else if retryWait == 0 {
		retryWait = defaultRetryWait
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSizeMB * 1024 * 1024
	})

	return &S3Store{
		client:     client,
		uploader:   uploader,
		bucket:     params.Bucket,
		directory:  directory,
		numRetries: numRetries,
		retryWait:  retryWait,
		logger:     logger,
	}, nil
}

func (s *S3Store) Directory() string {
	return s.directory
}

func (s *S3Store) PathPrefix() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key(""))
}

func (s *S3Store) Path(name string) string {
	return s.PathPrefix() + name
}

// EnsureDirectory only checks the context: key prefixes need no creation.
func (s *S3Store) EnsureDirectory(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "mkdir", Path: s.PathPrefix(), Err: err}
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]Entry, error) {
	var entries []Entry
	err := retry.Times(s.numRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		entries = entries[:0]

		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(s.key(prefix)),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return err, true
				}
				s.logger.Debugf("List attempt %d failed: %s", attempt, err)
				return err, false
			}

			for _, obj := range page.Contents {
				name := strings.TrimPrefix(aws.ToString(obj.Key), s.key(""))
				if name == "" || strings.Contains(name, "/") {
					continue
				}
				entries = append(entries, Entry{
					Name:    name,
					Size:    aws.ToInt64(obj.Size),
					ModTime: aws.ToTime(obj.LastModified),
				})
			}
		}
		return nil, true
	})
	if err != nil {
		return nil, &StorageError{Op: "list", Path: s.Path(prefix), Err: err}
	}

	return entries, nil
}

func (s *S3Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Stat(ctx, name)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *S3Store) Stat(ctx context.Context, name string) (Entry, error) {
	if err := validateName(name); err != nil {
		return Entry{}, &StorageError{Op: "stat", Path: s.Path(name), Err: err}
	}

	var entry Entry
	err := retry.Times(s.numRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(name)),
		})
		if err != nil {
			if isMissingObject(err) {
				return fmt.Errorf("%w: %v", ErrNotFound, err), true
			}
			if ctx.Err() != nil {
				return err, true
			}
			return fmt.Errorf("head object: %w", err), false
		}

		entry = Entry{
			Name:    name,
			Size:    aws.ToInt64(out.ContentLength),
			ModTime: aws.ToTime(out.LastModified),
		}
		return nil, true
	})
	if err != nil {
		return Entry{}, &StorageError{Op: "stat", Path: s.Path(name), Err: err}
	}

	return entry, nil
}

// Write uploads r as a single object. S3 only exposes an object once its upload has
// completed. The body is a stream, so a failed upload is not retried here.
func (s *S3Store) Write(ctx context.Context, name string, r io.Reader) error {
	if err := validateName(name); err != nil {
		return &StorageError{Op: "write", Path: s.Path(name), Err: err}
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Body:              contextReader{ctx: ctx, r: r},
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(s.key(name)),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return &StorageError{Op: "write", Path: s.Path(name), Err: err}
	}

	s.logger.Debugf("Uploaded %s", s.Path(name))
	return nil
}

func (s *S3Store) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := validateName(name); err != nil {
		return nil, &StorageError{Op: "read", Path: s.Path(name), Err: err}
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isMissingObject(err) {
			err = fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, &StorageError{Op: "read", Path: s.Path(name), Err: err}
	}

	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return &StorageError{Op: "delete", Path: s.Path(name), Err: err}
	}

	err := retry.Times(s.numRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(name)),
		})
		if err != nil {
			if ctx.Err() != nil {
				return err, true
			}
			return fmt.Errorf("delete object: %w", err), false
		}
		return nil, true
	})
	if err != nil {
		return &StorageError{Op: "delete", Path: s.Path(name), Err: err}
	}
	return nil
}

func (s *S3Store) key(name string) string {
	if s.directory == "" {
		return name
	}
	return s.directory + "/" + name
}

func isMissingObject(err error) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}
	switch apiError.(type) {
	case *types.NotFound, *types.NoSuchKey:
		return true
	default:
		return false
	}
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
