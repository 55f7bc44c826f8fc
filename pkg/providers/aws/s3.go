package aws

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

// maxDeleteBatch is the S3 limit of keys per DeleteObjects call.
const maxDeleteBatch = 1000

// S3API is the subset of the S3 client in use.
type S3API interface {
	ListBuckets(ctx context.Context, in *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutBucketVersioning(ctx context.Context, in *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	GetBucketTagging(ctx context.Context, in *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
	PutBucketTagging(ctx context.Context, in *s3.PutBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	ListObjectVersions(ctx context.Context, in *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 implements engine.ObjectStore.
type S3 struct {
	api    S3API
	region string
	call   *caller
}

var _ engine.ObjectStore = (*S3)(nil)

// NewS3 wraps an S3 client. Buckets are created in region.
func NewS3(api S3API, region string, cfg Config, opts ...Option) *S3 {
	return &S3{api: api, region: region, call: newCaller("s3", cfg, opts)}
}

// ListBuckets returns the caller's buckets whose names start with prefix.
func (s *S3) ListBuckets(ctx context.Context, prefix string) ([]engine.BucketInfo, error) {
	var buckets []engine.BucketInfo
	var token *string
	for {
		var out *s3.ListBucketsOutput
		err := s.call.do(ctx, "ListBuckets", prefix, func(ctx context.Context) error {
			var err error
			out, err = s.api.ListBuckets(ctx, &s3.ListBucketsInput{
				Prefix:            awssdk.String(prefix),
				ContinuationToken: token,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, b := range out.Buckets {
			name := awssdk.ToString(b.Name)
			// Older endpoints ignore Prefix.
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			info := engine.BucketInfo{Name: name}
			if b.CreationDate != nil {
				info.CreatedAt = *b.CreationDate
			}
			buckets = append(buckets, info)
		}
		token = out.ContinuationToken
		if token == nil || *token == "" {
			break
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// CreateBucket creates a versioned, tagged bucket.
func (s *S3) CreateBucket(ctx context.Context, name string, tags map[string]string) error {
	err := s.call.do(ctx, "CreateBucket", name, func(ctx context.Context) error {
		in := &s3.CreateBucketInput{Bucket: awssdk.String(name)}
		// us-east-1 rejects an explicit location constraint.
		if s.region != "" && s.region != "us-east-1" {
			in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
				LocationConstraint: s3types.BucketLocationConstraint(s.region),
			}
		}
		_, err := s.api.CreateBucket(ctx, in)
		return err
	})
	if err != nil {
		return err
	}

	err = s.call.do(ctx, "PutBucketVersioning", name, func(ctx context.Context) error {
		_, err := s.api.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket: awssdk.String(name),
			VersioningConfiguration: &s3types.VersioningConfiguration{
				Status: s3types.BucketVersioningStatusEnabled,
			},
		})
		return err
	})
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		return nil
	}
	return s.putTags(ctx, name, tags)
}

// TagBucket merges tags into the bucket's existing tag set.
func (s *S3) TagBucket(ctx context.Context, name string, tags map[string]string) error {
	current := map[string]string{}
	var out *s3.GetBucketTaggingOutput
	err := s.call.do(ctx, "GetBucketTagging", name, func(ctx context.Context) error {
		var err error
		out, err = s.api.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: awssdk.String(name)})
		return err
	})
	switch {
	case err == nil:
		for _, t := range out.TagSet {
			current[awssdk.ToString(t.Key)] = awssdk.ToString(t.Value)
		}
	case apiCode(err) == "NoSuchTagSet":
	default:
		return err
	}
	for k, v := range tags {
		current[k] = v
	}
	return s.putTags(ctx, name, current)
}

func (s *S3) putTags(ctx context.Context, name string, tags map[string]string) error {
	keys := sortedKeys(tags)
	set := make([]s3types.Tag, 0, len(keys))
	for _, k := range keys {
		set = append(set, s3types.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return s.call.do(ctx, "PutBucketTagging", name, func(ctx context.Context) error {
		_, err := s.api.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  awssdk.String(name),
			Tagging: &s3types.Tagging{TagSet: set},
		})
		return err
	})
}

// BucketUsage counts every object version. Delete markers carry no bytes
// and are not counted.
func (s *S3) BucketUsage(ctx context.Context, name string) (engine.BucketUsage, error) {
	var usage engine.BucketUsage
	err := s.eachVersionPage(ctx, name, func(page *s3.ListObjectVersionsOutput) error {
		for _, v := range page.Versions {
			usage.Objects++
			usage.Bytes += awssdk.ToInt64(v.Size)
		}
		return nil
	})
	return usage, err
}

// PurgeBucket deletes every object version and delete marker, one page at a time.
func (s *S3) PurgeBucket(ctx context.Context, name string) (engine.PurgeResult, error) {
	var res engine.PurgeResult
	err := s.eachVersionPage(ctx, name, func(page *s3.ListObjectVersionsOutput) error {
		ids := make([]s3types.ObjectIdentifier, 0, len(page.Versions)+len(page.DeleteMarkers))
		for _, v := range page.Versions {
			ids = append(ids, s3types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range page.DeleteMarkers {
			ids = append(ids, s3types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}
		if err := s.deleteBatch(ctx, name, ids); err != nil {
			return err
		}
		res.Versions += len(page.Versions)
		res.DeleteMarkers += len(page.DeleteMarkers)
		return nil
	})
	return res, err
}

func (s *S3) deleteBatch(ctx context.Context, bucket string, ids []s3types.ObjectIdentifier) error {
	for start := 0; start < len(ids); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(ids))
		var out *s3.DeleteObjectsOutput
		err := s.call.do(ctx, "DeleteObjects", bucket, func(ctx context.Context) error {
			var err error
			out, err = s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: awssdk.String(bucket),
				Delete: &s3types.Delete{Objects: ids[start:end], Quiet: awssdk.Bool(true)},
			})
			return err
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return engine.NewTransientError(
				fmt.Sprintf("%d objects not deleted, first %s: %s", len(out.Errors), awssdk.ToString(first.Key), awssdk.ToString(first.Message)),
				nil,
			).WithOperation("s3.DeleteObjects").WithResource(bucket).WithDetail("api_code", awssdk.ToString(first.Code))
		}
	}
	return nil
}

func (s *S3) eachVersionPage(ctx context.Context, bucket string, fn func(*s3.ListObjectVersionsOutput) error) error {
	p := s3.NewListObjectVersionsPaginator(s.api, &s3.ListObjectVersionsInput{Bucket: awssdk.String(bucket)})
	for p.HasMorePages() {
		var page *s3.ListObjectVersionsOutput
		err := s.call.do(ctx, "ListObjectVersions", bucket, func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return err
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

// PutObject uploads body. The body is buffered so the request is signed
// with a known length.
func (s *S3) PutObject(ctx context.Context, bucket, key string, body io.Reader) (*engine.ObjectLocation, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, engine.NewValidationError("failed to read object body", err).WithResource(key)
	}
	var out *s3.PutObjectOutput
	err = s.call.do(ctx, "PutObject", bucket+"/"+key, func(ctx context.Context) error {
		var err error
		out, err = s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        awssdk.String(bucket),
			Key:           awssdk.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: awssdk.Int64(int64(len(data))),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &engine.ObjectLocation{Bucket: bucket, Key: key, VersionID: awssdk.ToString(out.VersionId)}, nil
}
