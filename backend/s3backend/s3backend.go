// Package s3backend implements backend.Backend against a real
// S3-compatible endpoint using aws-sdk-go-v2's client construction,
// endpoint-resolver, and retryer wiring.
package s3backend

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/herald-project/herald/backend"
	herconfig "github.com/herald-project/herald/config"
)

// Client implements backend.Backend by delegating to an aws-sdk-go-v2 S3
// client configured for one BackendDef.
type Client struct {
	s3  *s3.Client
	def *herconfig.BackendDef
}

// New constructs a Client for def, which must have Protocol ==
// config.ProtocolS3. A custom endpoint (anything other than the real
// AWS API) defaults to path-style addressing, matching most self-hosted
// S3-compatible servers.
func New(ctx context.Context, def *herconfig.BackendDef) (*Client, error) {
	var opts []func(*config.LoadOptions) error

	if def.Credentials.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(def.Credentials.AccessKeyID, def.Credentials.SecretAccessKey, ""),
		))
	}
	if def.Region != "" {
		opts = append(opts, config.WithRegion(def.Region))
	} else {
		opts = append(opts, config.WithDefaultRegion("us-east-1"))
	}

	opts = append(opts, config.WithRetryer(customRetryer(10)))

	usePathStyle := def.Endpoint != ""
	if def.Endpoint != "" {
		endpointURL := def.Endpoint
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpointURL,
					Source:            aws.EndpointSourceCustom,
					HostnameImmutable: usePathStyle,
				}, nil
			}),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3backend: load config for %q: %w", def.Name, err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	return &Client{s3: client, def: def}, nil
}

func customRetryer(maxRetries int) func() aws.Retryer {
	return func() aws.Retryer {
		r := retry.AddWithMaxAttempts(retry.NewStandard(), maxRetries)
		r = retry.AddWithErrorCodes(r, "InvalidToken")
		return retry.AddWithMaxBackoffDelay(r, time.Second*5)
	}
}

var _ backend.Backend = (*Client)(nil)

func (c *Client) HeadObject(ctx context.Context, bucket, key string) (*backend.ObjectInfo, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, err
	}
	return &backend.ObjectInfo{
		Key:          key,
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
		UserMetadata: out.Metadata,
	}, nil
}

func (c *Client) GetObject(ctx context.Context, bucket, key string, rangeHeader string) (io.ReadCloser, *backend.ObjectInfo, error) {
	input := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if rangeHeader != "" {
		input.Range = aws.String(rangeHeader)
	}
	out, err := c.s3.GetObject(ctx, input)
	if err != nil {
		return nil, nil, err
	}
	info := &backend.ObjectInfo{
		Key:          key,
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
		UserMetadata: out.Metadata,
	}
	return out.Body, info, nil
}

func (c *Client) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string, userMetadata map[string]string) (*backend.ObjectInfo, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	out, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
		Metadata:    userMetadata,
	})
	if err != nil {
		return nil, err
	}
	return &backend.ObjectInfo{
		Key:  key,
		ETag: strings.Trim(aws.ToString(out.ETag), `"`),
		Size: size,
	}, nil
}

func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	return err
}

const deleteObjectsMax = 1000

func (c *Client) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]backend.DeleteResult, error) {
	var results []backend.DeleteResult

	for start := 0; start < len(keys); start += deleteObjectsMax {
		end := start + deleteObjectsMax
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		objIDs := make([]types.ObjectIdentifier, len(chunk))
		for i, k := range chunk {
			objIDs[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}

		out, err := c.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: objIDs},
		})
		if err != nil {
			return results, err
		}

		for _, d := range out.Deleted {
			results = append(results, backend.DeleteResult{Key: aws.ToString(d.Key), Deleted: true})
		}
		for _, e := range out.Errors {
			results = append(results, backend.DeleteResult{
				Key: aws.ToString(e.Key),
				Err: fmt.Errorf("%s: %s", aws.ToString(e.Code), aws.ToString(e.Message)),
			})
		}
	}
	return results, nil
}

func (c *Client) ListObjects(ctx context.Context, bucket string, query backend.ListQuery) (*backend.ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}
	if query.Prefix != "" {
		input.Prefix = aws.String(query.Prefix)
	}
	if query.Delimiter != "" {
		input.Delimiter = aws.String(query.Delimiter)
	}
	if query.Marker != "" {
		input.StartAfter = aws.String(query.Marker)
	}
	if query.MaxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(query.MaxKeys))
	}

	out, err := c.s3.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, err
	}

	result := &backend.ListResult{IsTruncated: aws.ToBool(out.IsTruncated)}
	for _, obj := range out.Contents {
		result.Objects = append(result.Objects, backend.ObjectInfo{
			Key:          aws.ToString(obj.Key),
			ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	for _, p := range out.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, aws.ToString(p.Prefix))
	}
	if result.IsTruncated && len(result.Objects) > 0 {
		result.NextMarker = result.Objects[len(result.Objects)-1].Key
	}
	return result, nil
}

func (c *Client) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*backend.ObjectInfo, error) {
	copySource := fmt.Sprintf("%s/%s", srcBucket, srcKey)
	out, err := c.s3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource),
	})
	if err != nil {
		return nil, err
	}
	info := &backend.ObjectInfo{Key: dstKey}
	if out.CopyObjectResult != nil {
		info.ETag = strings.Trim(aws.ToString(out.CopyObjectResult.ETag), `"`)
		info.LastModified = aws.ToTime(out.CopyObjectResult.LastModified)
	}
	return info, nil
}

func (c *Client) CreateBucket(ctx context.Context, bucket string) error {
	_, err := c.s3.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	return err
}

func (c *Client) DeleteBucket(ctx context.Context, bucket string) error {
	_, err := c.s3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	return err
}

func (c *Client) ListBuckets(ctx context.Context) ([]backend.BucketInfo, error) {
	out, err := c.s3.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, err
	}
	infos := make([]backend.BucketInfo, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		infos = append(infos, backend.BucketInfo{Name: aws.ToString(b.Name), CreationDate: aws.ToTime(b.CreationDate)})
	}
	return infos, nil
}

func (c *Client) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string, userMetadata map[string]string) (*backend.MultipartUpload, error) {
	out, err := c.s3.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Metadata:    userMetadata,
	})
	if err != nil {
		return nil, err
	}
	return &backend.MultipartUpload{Key: key, UploadID: aws.ToString(out.UploadId)}, nil
}

func (c *Client) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, size int64) (*backend.Part, error) {
	out, err := c.s3.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
		Body:       body,
	})
	if err != nil {
		return nil, err
	}
	return &backend.Part{PartNumber: partNumber, ETag: strings.Trim(aws.ToString(out.ETag), `"`), Size: size}, nil
}

func (c *Client) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, byteRange string) (*backend.Part, error) {
	copySource := fmt.Sprintf("%s/%s", srcBucket, srcKey)
	input := &s3.UploadPartCopyInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
		CopySource: aws.String(copySource),
	}
	if byteRange != "" {
		input.CopySourceRange = aws.String(byteRange)
	}
	out, err := c.s3.UploadPartCopy(ctx, input)
	if err != nil {
		return nil, err
	}
	part := &backend.Part{PartNumber: partNumber}
	if out.CopyPartResult != nil {
		part.ETag = strings.Trim(aws.ToString(out.CopyPartResult.ETag), `"`)
	}
	return part, nil
}

func (c *Client) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []backend.Part) (*backend.ObjectInfo, error) {
	completedParts := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completedParts[i] = types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		}
	}
	out, err := c.s3.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completedParts},
	})
	if err != nil {
		return nil, err
	}
	return &backend.ObjectInfo{Key: key, ETag: strings.Trim(aws.ToString(out.ETag), `"`)}, nil
}

func (c *Client) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := c.s3.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return err
}
