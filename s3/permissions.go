package s3

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// CheckResult is the outcome of one permission probe.
type CheckResult struct {
	Name     string
	Pass     bool
	Required bool
	Detail   string
}

// CheckPermissions probes the actions an upload needs below prefix. It
// writes and deletes a small probe object named after probeID.
func (c *Client) CheckPermissions(ctx context.Context, prefix, probeID string, timeout time.Duration) []CheckResult {
	var results []CheckResult
	run := func(name string, required bool, op func(ctx context.Context) (string, error)) bool {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		detail, err := op(opCtx)
		res := CheckResult{Name: name, Pass: err == nil, Required: required, Detail: detail}
		if err != nil {
			res.Detail = strings.TrimSpace(err.Error())
		}
		results = append(results, res)
		return err == nil
	}
	bucket := aws.String(c.bucket)

	run("s3:GetBucketLocation", false, func(ctx context.Context) (string, error) {
		out, err := c.api.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: bucket})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("region %q", string(out.LocationConstraint)), nil
	})

	run("s3:ListBucket", true, func(ctx context.Context) (string, error) {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: bucket, Prefix: aws.String(prefix), MaxKeys: aws.Int32(1)})
		if err != nil {
			return "", err
		}
		if len(out.Contents) > 0 && out.Contents[0].Key != nil {
			return fmt.Sprintf("listed OK (sample key: %s)", *out.Contents[0].Key), nil
		}
		return "listed OK (no objects under prefix)", nil
	})

	probeKey := path.Join(prefix, ".dlcopy-probe-"+probeID)
	wrote := run("s3:PutObject", true, func(ctx context.Context) (string, error) {
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        bucket,
			Key:           aws.String(probeKey),
			Body:          strings.NewReader("probe"),
			ContentLength: aws.Int64(5),
		})
		return "wrote " + probeKey, err
	})
	if !wrote {
		return results
	}
	run("s3:HeadObject", false, func(ctx context.Context) (string, error) {
		_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: bucket, Key: aws.String(probeKey)})
		return "", err
	})
	run("s3:DeleteObject", false, func(ctx context.Context) (string, error) {
		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: bucket, Key: aws.String(probeKey)})
		return "removed probe object", err
	})
	return results
}

// MissingRequired counts failed required checks.
func MissingRequired(results []CheckResult) int {
	n := 0
	for _, r := range results {
		if r.Required && !r.Pass {
			n++
		}
	}
	return n
}
