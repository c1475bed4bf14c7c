package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// listAPI is the slice of the S3 client used by the lister. Kept narrow so
// tests can substitute a fake.
type listAPI interface {
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
}

var _ listAPI = (*s3.Client)(nil)

// S3Lister implements Lister using aws-sdk-go-v2
type S3Lister struct {
	api    listAPI
	bucket string
	prefix string
	limit  int32
}

// NewS3Lister creates a lister bound to one bucket. The aws.Config carries
// the credentials provider, so a credential refresh through the provider is
// picked up without rebuilding the client.
func NewS3Lister(awsCfg aws.Config, cfg Config) *S3Lister {
	return newLister(s3.NewFromConfig(awsCfg), cfg)
}

// NewS3ListerWithAPI creates a lister on a caller-provided API implementation.
func NewS3ListerWithAPI(api listAPI, cfg Config) *S3Lister {
	return newLister(api, cfg)
}

func newLister(api listAPI, cfg Config) *S3Lister {
	limit := cfg.PageSize
	if limit <= 0 || limit > 1000 {
		limit = 1000 // provider maximum
	}
	return &S3Lister{
		api:    api,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		limit:  limit,
	}
}

// FetchPage issues one ListObjectVersions request and normalizes the result.
// Version entries come first, delete markers after, matching the provider
// response layout.
func (l *S3Lister) FetchPage(ctx context.Context, cursor Cursor) (*Page, error) {
	input := &s3.ListObjectVersionsInput{
		Bucket:  aws.String(l.bucket),
		MaxKeys: aws.Int32(l.limit),
	}
	if l.prefix != "" {
		input.Prefix = aws.String(l.prefix)
	}
	if cursor.KeyMarker != "" {
		input.KeyMarker = aws.String(cursor.KeyMarker)
	}
	if cursor.VersionIDMarker != "" {
		input.VersionIdMarker = aws.String(cursor.VersionIDMarker)
	}

	out, err := l.api.ListObjectVersions(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("list object versions: %w", err)
	}

	page := &Page{
		Records: make([]VersionRecord, 0, len(out.Versions)+len(out.DeleteMarkers)),
		NextCursor: Cursor{
			KeyMarker:       aws.ToString(out.NextKeyMarker),
			VersionIDMarker: aws.ToString(out.NextVersionIdMarker),
		},
		Truncated: aws.ToBool(out.IsTruncated),
	}

	for _, v := range out.Versions {
		storageClass := string(v.StorageClass)
		if storageClass == "" {
			storageClass = "STANDARD"
		}
		page.Records = append(page.Records, VersionRecord{
			Key:          aws.ToString(v.Key),
			VersionID:    aws.ToString(v.VersionId),
			IsLatest:     aws.ToBool(v.IsLatest),
			Size:         aws.ToInt64(v.Size),
			LastModified: aws.ToTime(v.LastModified),
			StorageClass: storageClass,
			ETag:         strings.Trim(aws.ToString(v.ETag), `"`),
		})
	}

	for _, dm := range out.DeleteMarkers {
		page.Records = append(page.Records, VersionRecord{
			Key:            aws.ToString(dm.Key),
			VersionID:      aws.ToString(dm.VersionId),
			IsLatest:       aws.ToBool(dm.IsLatest),
			IsDeleteMarker: true,
			LastModified:   aws.ToTime(dm.LastModified),
			StorageClass:   "STANDARD",
		})
	}

	return page, nil
}

// BucketVersioning reports the bucket versioning status.
func (l *S3Lister) BucketVersioning(ctx context.Context) (string, error) {
	out, err := l.api.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{
		Bucket: aws.String(l.bucket),
	})
	if err != nil {
		return "", fmt.Errorf("get bucket versioning: %w", err)
	}
	return string(out.Status), nil
}
