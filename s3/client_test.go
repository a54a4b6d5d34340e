package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI keeps objects in memory and serves listings in pages of
// pageSize keys.
type fakeAPI struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
	pageSize int
	denied   map[string]bool
	puts     []string
	deletes  []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		objects:  map[string][]byte{},
		metadata: map[string]map[string]string{},
		pageSize: 1000,
		denied:   map[string]bool{},
	}
}

var errAccessDenied = errors.New("api error AccessDenied: Access Denied")

func (f *fakeAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.denied["put"] {
		return nil, errAccessDenied
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.objects[key] = data
	f.metadata[key] = in.Metadata
	f.puts = append(f.puts, key)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key := aws.ToString(in.Key)
	delete(f.objects, key)
	f.deletes = append(f.deletes, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.denied["list"] {
		return nil, errAccessDenied
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
				break
			}
		}
	}
	limit := f.pageSize
	if in.MaxKeys != nil && int(*in.MaxKeys) < limit {
		limit = int(*in.MaxKeys)
	}
	end := min(start+limit, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	modified := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(modified),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (f *fakeAPI) GetBucketLocation(ctx context.Context, in *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error) {
	if f.denied["location"] {
		return nil, errAccessDenied
	}
	return &s3.GetBucketLocationOutput{LocationConstraint: types.BucketLocationConstraintEuCentral1}, nil
}

func newTestClient(api API) *Client {
	c := NewWithAPI(api, "exams")
	c.SuppressLogs()
	return c
}

// TestUploadISO stores the image with its checksum and reports completion.
func TestUploadISO(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(api)
	var calls [][2]int64
	c.SetProgressFunc(func(sent, total int64, speed float64) {
		calls = append(calls, [2]int64{sent, total})
	})

	iso := filepath.Join(t.TempDir(), "Lernstick.iso")
	content := []byte("ISO image")
	require.NoError(t, os.WriteFile(iso, content, 0o644))

	res, err := c.UploadISO(context.Background(), iso, "isos/exam/run_1.iso")
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Checksum)
	assert.Equal(t, int64(len(content)), res.SizeBytes)
	assert.Equal(t, content, api.objects["isos/exam/run_1.iso"])
	assert.Equal(t, res.Checksum, api.metadata["isos/exam/run_1.iso"]["sha256"])
	require.NotEmpty(t, calls)
	assert.Equal(t, [2]int64{9, 9}, calls[len(calls)-1])
}

// TestUploadISORejectsBadKeys never reaches the API with an unsafe key.
func TestUploadISORejectsBadKeys(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(api)
	for _, key := range []string{"", "/abs.iso", "a/../b.iso", "nul\x00.iso", strings.Repeat("k", 1025)} {
		_, err := c.UploadISO(context.Background(), "/nonexistent", key)
		assert.ErrorContains(t, err, "invalid S3 key", key)
	}
	assert.Empty(t, api.puts)
}

// TestUploadISOMissingFile fails before uploading.
func TestUploadISOMissingFile(t *testing.T) {
	api := newFakeAPI()
	_, err := newTestClient(api).UploadISO(context.Background(), filepath.Join(t.TempDir(), "none.iso"), "isos/a.iso")
	require.Error(t, err)
	assert.Empty(t, api.puts)
}

// TestListUploadsFollowsPages collects every page below the prefix.
func TestListUploadsFollowsPages(t *testing.T) {
	api := newFakeAPI()
	api.pageSize = 2
	for _, k := range []string{"isos/a/1.iso", "isos/a/2.iso", "isos/b/3.iso", "isos/b/4.iso", "isos/c/5.iso", "other/x.iso"} {
		api.objects[k] = []byte(k)
	}

	objects, err := newTestClient(api).ListUploads(context.Background(), "isos/")
	require.NoError(t, err)
	require.Len(t, objects, 5)
	assert.Equal(t, "isos/a/1.iso", objects[0].Key)
	assert.Equal(t, "isos/c/5.iso", objects[4].Key)
	assert.Equal(t, int64(len("isos/a/1.iso")), objects[0].Size)
	assert.False(t, objects[0].LastModified.IsZero())
}

// TestObjectExists maps NotFound to false.
func TestObjectExists(t *testing.T) {
	api := newFakeAPI()
	api.objects["isos/a.iso"] = []byte("x")
	c := newTestClient(api)

	ok, err := c.ObjectExists(context.Background(), "isos/a.iso")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ObjectExists(context.Background(), "isos/b.iso")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestCheckPermissions probes every action and cleans up the probe object.
func TestCheckPermissions(t *testing.T) {
	api := newFakeAPI()
	results := newTestClient(api).CheckPermissions(context.Background(), "isos", "p1", time.Second)

	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
		assert.True(t, r.Pass, r.Name)
	}
	assert.Equal(t, []string{"s3:GetBucketLocation", "s3:ListBucket", "s3:PutObject", "s3:HeadObject", "s3:DeleteObject"}, names)
	assert.Equal(t, []string{"isos/.dlcopy-probe-p1"}, api.deletes)
	assert.Empty(t, api.objects)
	assert.Zero(t, MissingRequired(results))
}

// TestCheckPermissionsDenied stops after a failed write and counts missing
// required permissions.
func TestCheckPermissionsDenied(t *testing.T) {
	api := newFakeAPI()
	api.denied["put"] = true
	api.denied["location"] = true
	results := newTestClient(api).CheckPermissions(context.Background(), "isos", "p2", time.Second)

	require.Len(t, results, 3)
	assert.False(t, results[0].Pass)
	assert.False(t, results[0].Required)
	assert.True(t, results[1].Pass)
	assert.False(t, results[2].Pass)
	assert.Contains(t, results[2].Detail, "AccessDenied")
	assert.Equal(t, 1, MissingRequired(results))
}

// TestHumanBytes uses binary units.
func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", HumanBytes(512))
	assert.Equal(t, "1.5 KiB", HumanBytes(1536))
	assert.Equal(t, "3.0 GiB", HumanBytes(3<<30))
}
