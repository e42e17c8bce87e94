// Package backend defines the storage-protocol-agnostic interface Herald
// dispatches S3 API calls through. s3backend and swiftbackend
// each implement Backend for their respective wire protocol; frontdoor
// and mirror never import either concrete package directly.
package backend

import (
	"context"
	"io"
	"time"
)

// ObjectInfo is the protocol-neutral metadata Herald needs for a HEAD/GET
// response or a directory listing entry.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
	UserMetadata map[string]string
}

// BucketInfo describes one bucket for ListBuckets.
type BucketInfo struct {
	Name         string
	CreationDate time.Time
}

// ListResult is one page of a bucket listing: the matched objects plus
// any common prefixes rolled up by the requested delimiter.
type ListResult struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
	IsTruncated    bool
	NextMarker     string
}

// ListQuery carries the S3 list parameters a backend understands.
type ListQuery struct {
	Prefix    string
	Delimiter string
	Marker    string
	MaxKeys   int
}

// DeleteResult is one outcome row from a bulk DeleteObjects call.
type DeleteResult struct {
	Key     string
	Deleted bool
	Err     error
}

// MultipartUpload identifies an in-progress multipart/segmented upload.
type MultipartUpload struct {
	Key      string
	UploadID string
}

// Part is one uploaded segment of a multipart upload.
type Part struct {
	PartNumber int
	ETag       string
	Size       int64
}

// Backend is the set of S3-shaped operations Herald translates client
// requests into, regardless of whether the concrete implementation talks
// to a real S3-compatible endpoint or to OpenStack Swift.
type Backend interface {
	HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	GetObject(ctx context.Context, bucket, key string, rangeHeader string) (io.ReadCloser, *ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string, userMetadata map[string]string) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	DeleteObjects(ctx context.Context, bucket string, keys []string) ([]DeleteResult, error)
	ListObjects(ctx context.Context, bucket string, query ListQuery) (*ListResult, error)
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*ObjectInfo, error)

	CreateBucket(ctx context.Context, bucket string) error
	DeleteBucket(ctx context.Context, bucket string) error
	ListBuckets(ctx context.Context) ([]BucketInfo, error)

	CreateMultipartUpload(ctx context.Context, bucket, key, contentType string, userMetadata map[string]string) (*MultipartUpload, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, size int64) (*Part, error)
	UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, byteRange string) (*Part, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []Part) (*ObjectInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}
