// Package s3 uploads finished ISO images to object storage.
//
// Schools that build exam media centrally keep the images in a bucket so
// every classroom can fetch the same build. Uploads are optional; a run
// without an upload bucket never touches this package.
//
// # Authentication
//
// The client uses the AWS SDK default credential chain:
//  1. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  2. Shared credentials file (~/.aws/credentials)
//  3. IAM role (if running on EC2)
//
// # Usage Example
//
//	client, err := s3.New(ctx, s3.Config{
//		Region: "eu-central-2",
//		Bucket: "lernstick-images",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	client.SetLogger(logger)
//
//	key := dlcopy.UploadKey("isos", label, runID)
//	result, err := client.UploadISO(ctx, "/tmp/Lernstick-ISO123/Lernstick.iso", key)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("Uploaded %d bytes, sha256 %s\n", result.SizeBytes, result.Checksum)
//
// # Security
//
// Object keys are validated before use:
//   - Rejects keys containing ".."
//   - Rejects keys with absolute paths
//   - Enforces maximum key length (1024 chars)
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// ISOContentType is the media type uploads are stored with.
const ISOContentType = "application/x-iso9660-image"

// ProgressFunc is called periodically during uploads.
type ProgressFunc func(sent, total int64, speed float64)

// API is the part of the S3 client the uploader uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetBucketLocation(ctx context.Context, in *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error)
}

// Client uploads images to one bucket.
type Client struct {
	api          API
	bucket       string
	logger       *logrus.Logger
	progressFunc ProgressFunc
}

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region. Empty uses the SDK default chain.
	Region string
	Bucket string
}

// New creates a client using the default AWS configuration.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("no upload bucket configured")
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithAPI(s3.NewFromConfig(awsCfg), cfg.Bucket), nil
}

// NewWithAPI creates a client on top of an existing S3 API.
func NewWithAPI(api API, bucket string) *Client {
	return &Client{api: api, bucket: bucket, logger: logrus.New()}
}

// Bucket returns the bucket the client uploads to.
func (c *Client) Bucket() string {
	return c.bucket
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SetProgressFunc sets a callback for upload progress.
func (c *Client) SetProgressFunc(fn ProgressFunc) {
	c.progressFunc = fn
}

// SuppressLogs disables all log output from the client.
func (c *Client) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// UploadResult describes an uploaded image.
type UploadResult struct {
	Key       string
	Checksum  string
	SizeBytes int64
}

// UploadISO uploads the file at localPath under key. The SHA-256 of the
// file is stored as object metadata so downloads can be verified.
func (c *Client) UploadISO(ctx context.Context, localPath, key string) (*UploadResult, error) {
	if err := validateS3Key(key); err != nil {
		return nil, fmt.Errorf("invalid S3 key: %w", err)
	}
	logger := c.logger.WithFields(logrus.Fields{
		"bucket": c.bucket,
		"key":    key,
		"source": localPath,
	})

	checksum, size, err := fileChecksum(localPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	logger.WithField("size", humanBytes(size)).Info("starting upload")
	body := newProgressReader(f, logger, c.progressFunc, size, 5*time.Second)
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(ISOContentType),
		Metadata:      map[string]string{"sha256": checksum},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	if c.progressFunc != nil {
		c.progressFunc(size, size, 0)
	}

	logger.WithFields(logrus.Fields{
		"size":     size,
		"checksum": checksum,
	}).Info("upload completed")
	return &UploadResult{Key: key, Checksum: checksum, SizeBytes: size}, nil
}

func fileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// validateS3Key validates an S3 key for security.
func validateS3Key(key string) error {
	if key == "" {
		return fmt.Errorf("S3 key cannot be empty")
	}
	if len(key) > 1024 {
		return fmt.Errorf("S3 key too long: %d characters (max 1024)", len(key))
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("S3 key contains path traversal: %s", key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("S3 key should not start with /: %s", key)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("S3 key contains null byte")
	}
	return nil
}

// Object is an uploaded image.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListUploads lists the objects below prefix.
func (c *Client) ListUploads(ctx context.Context, prefix string) ([]Object, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"bucket": c.bucket,
		"prefix": prefix,
	})
	logger.Debug("listing uploads")

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			o := Object{Key: *obj.Key}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			objects = append(objects, o)
		}
	}

	logger.WithField("count", len(objects)).Debug("listed uploads")
	return objects, nil
}

// ObjectExists checks if an object exists.
func (c *Client) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}
