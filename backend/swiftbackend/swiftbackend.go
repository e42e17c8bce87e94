// Package swiftbackend implements backend.Backend against an OpenStack
// Swift container, translating the S3 verbs Herald's front-door
// understands into Swift's object/container API.
//
// UploadPartCopy's whole-object copies download the source as parallel
// ranged GETs reassembled through buffer.OrderedWriterAt; bulk deletes
// bound their fan-out with workerpool.Pool. Container/object CRUD goes through gophercloud/v2's
// object-storage client; building and maintaining DLO manifests is plain
// authenticated HTTP against the Keystone-resolved storage URL, since
// gophercloud does not model segmented large-object manifests.
package swiftbackend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gophercloud/gophercloud/v2/openstack/objectstorage/v1/containers"
	"github.com/gophercloud/gophercloud/v2/openstack/objectstorage/v1/objects"
	"github.com/iancoleman/strcase"

	"github.com/herald-project/herald/backend"
	"github.com/herald-project/herald/keystone"
	"github.com/herald-project/herald/workerpool"
)

// directPutMax is the largest object Swift accepts in a single PUT.
// Anything larger is segmented into a Dynamic Large Object.
const directPutMax = 5 * 1024 * 1024 * 1024 // 5 GiB

// segmentSize is the fixed size Herald splits oversized uploads into.
const segmentSize = 1 * 1024 * 1024 * 1024 // 1 GiB

const segmentsContainerSuffix = "_segments"

// Client implements backend.Backend against one Swift backend, reading a
// live keystone.AuthMeta on every call so token refreshes performed by
// the keystone.Store are picked up without Client itself watching for
// expiry.
type Client struct {
	authMeta   func() (*keystone.AuthMeta, error)
	httpClient *http.Client
	Index      *MultipartIndex
}

// New constructs a Client.
func New(authMeta func() (*keystone.AuthMeta, error)) *Client {
	return &Client{
		authMeta:   authMeta,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		Index:      NewMultipartIndex(),
	}
}

var _ backend.Backend = (*Client)(nil)

func (c *Client) meta() (*keystone.AuthMeta, error) {
	return c.authMeta()
}

// doWithRetry issues the request returned by build, making up to 5
// attempts on transport-level failures with linear backoff. Any HTTP
// response, whatever its status, is returned to the caller as-is — a
// 412 or 503 is an answer, not a connection failure.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	const attempts = 5
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * time.Second):
			}
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) HeadObject(ctx context.Context, bucket, key string) (*backend.ObjectInfo, error) {
	meta, err := c.meta()
	if err != nil {
		return nil, err
	}
	res := objects.Get(ctx, meta.Object, bucket, key, objects.GetOpts{})
	headers, err := res.Extract()
	if err != nil {
		return nil, err
	}
	userMeta, err := res.ExtractMetadata()
	if err != nil {
		return nil, err
	}
	return &backend.ObjectInfo{
		Key:          key,
		ETag:         headers.ETag,
		Size:         headers.ContentLength,
		LastModified: headers.LastModified,
		ContentType:  headers.ContentType,
		UserMetadata: fromSwiftMetadata(userMeta),
	}, nil
}

func (c *Client) GetObject(ctx context.Context, bucket, key string, rangeHeader string) (io.ReadCloser, *backend.ObjectInfo, error) {
	meta, err := c.meta()
	if err != nil {
		return nil, nil, err
	}
	opts := objects.DownloadOpts{}
	if rangeHeader != "" {
		opts.Range = rangeHeader
	}
	res := objects.Download(ctx, meta.Object, bucket, key, opts)
	headers, err := res.Extract()
	if err != nil {
		return nil, nil, err
	}
	content, err := res.ExtractContent()
	if err != nil {
		return nil, nil, err
	}
	info := &backend.ObjectInfo{
		Key:          key,
		ETag:         headers.ETag,
		Size:         headers.ContentLength,
		LastModified: headers.LastModified,
		ContentType:  headers.ContentType,
	}
	return io.NopCloser(bytes.NewReader(content)), info, nil
}

func (c *Client) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string, userMetadata map[string]string) (*backend.ObjectInfo, error) {
	if size > directPutMax {
		return c.putSegmented(ctx, bucket, key, body, size, contentType, userMetadata)
	}

	meta, err := c.meta()
	if err != nil {
		return nil, err
	}

	opts := objects.CreateOpts{
		Content:     body,
		ContentType: contentType,
		Metadata:    toSwiftMetadata(userMetadata),
	}
	res := objects.Create(ctx, meta.Object, bucket, key, opts)
	headers, err := res.Extract()
	if err != nil {
		return nil, err
	}
	return &backend.ObjectInfo{Key: key, ETag: headers.ETag, Size: size, ContentType: contentType, UserMetadata: userMetadata}, nil
}

// putSegmented uploads an object larger than directPutMax as a set of
// fixed-size segments in a "<bucket>_segments" container, then writes a
// Dynamic Large Object manifest pointing at the segment prefix.
func (c *Client) putSegmented(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string, userMetadata map[string]string) (*backend.ObjectInfo, error) {
	segmentsContainer := bucket + segmentsContainerSuffix

	meta, err := c.meta()
	if err != nil {
		return nil, err
	}
	if _, err := containers.Create(ctx, meta.Object, segmentsContainer, containers.CreateOpts{}).Extract(); err != nil && !isConflict(err) {
		return nil, err
	}

	prefix := fmt.Sprintf("%s/%d", key, time.Now().UnixNano())
	segmentNum := 0
	for {
		limited := io.LimitReader(body, segmentSize)
		buf := &bytes.Buffer{}
		copied, copyErr := io.Copy(buf, limited)
		if copyErr != nil {
			return nil, copyErr
		}
		if copied == 0 {
			break
		}
		segKey := fmt.Sprintf("%s/%08d", prefix, segmentNum)
		if _, err := objects.Create(ctx, meta.Object, segmentsContainer, segKey, objects.CreateOpts{Content: bytes.NewReader(buf.Bytes())}).Extract(); err != nil {
			return nil, err
		}
		segmentNum++
		if copied < segmentSize {
			break
		}
	}

	manifest := segmentsContainer + "/" + prefix
	if err := c.putManifest(ctx, bucket, key, manifest, contentType); err != nil {
		return nil, err
	}
	return &backend.ObjectInfo{Key: key, Size: size, ContentType: contentType, UserMetadata: userMetadata}, nil
}

// putManifest PUTs a zero-length object carrying X-Object-Manifest,
// turning it into a Dynamic Large Object. gophercloud does not model DLO
// manifests, so this is raw authenticated HTTP against the
// Keystone-resolved storage URL.
func (c *Client) putManifest(ctx context.Context, bucket, key, manifestPrefix, contentType string) error {
	meta, err := c.meta()
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/%s", strings.TrimRight(meta.StorageURL, "/"), bucket, key)
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Auth-Token", meta.Token)
		req.Header.Set("X-Object-Manifest", manifestPrefix)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("swiftbackend: manifest PUT for %s/%s returned %d", bucket, key, resp.StatusCode)
	}
	return nil
}

func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	meta, err := c.meta()
	if err != nil {
		return err
	}
	_, err = objects.Delete(ctx, meta.Object, bucket, key, objects.DeleteOpts{}).Extract()
	return err
}

// DeleteObjects bounds concurrent per-object DELETE calls with
// workerpool.Pool, since Swift has no single bulk-delete call equivalent
// to S3's DeleteObjects that gophercloud exposes.
func (c *Client) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]backend.DeleteResult, error) {
	results := make([]backend.DeleteResult, len(keys))
	pool := workerpool.New(16)

	for i, key := range keys {
		i, key := i, key
		pool.Run(func() error {
			err := c.DeleteObject(ctx, bucket, key)
			results[i] = backend.DeleteResult{Key: key, Deleted: err == nil, Err: err}
			return err
		})
	}
	pool.Wait()
	return results, nil
}

func (c *Client) ListObjects(ctx context.Context, bucket string, query backend.ListQuery) (*backend.ListResult, error) {
	meta, err := c.meta()
	if err != nil {
		return nil, err
	}

	listOpts := objects.ListOpts{
		Prefix:    query.Prefix,
		Delimiter: query.Delimiter,
		Marker:    query.Marker,
	}
	if query.MaxKeys > 0 {
		listOpts.Limit = query.MaxKeys
	}

	result := &backend.ListResult{}
	err = objects.List(meta.Object, bucket, listOpts).EachPage(ctx, func(ctx context.Context, page objects.Page) (bool, error) {
		infos, err := objects.ExtractInfo(page)
		if err != nil {
			return false, err
		}
		for _, info := range infos {
			// A delimiter roll-up row carries only Subdir.
			if info.Subdir != "" {
				result.CommonPrefixes = append(result.CommonPrefixes, info.Subdir)
				continue
			}
			result.Objects = append(result.Objects, backend.ObjectInfo{
				Key:          info.Name,
				ETag:         info.Hash,
				Size:         info.Bytes,
				LastModified: info.LastModified,
				ContentType:  info.ContentType,
			})
		}
		if query.MaxKeys > 0 && len(result.Objects)+len(result.CommonPrefixes) >= query.MaxKeys {
			result.IsTruncated = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if result.IsTruncated && len(result.Objects) > 0 {
		result.NextMarker = result.Objects[len(result.Objects)-1].Key
	}
	return result, nil
}

func (c *Client) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*backend.ObjectInfo, error) {
	meta, err := c.meta()
	if err != nil {
		return nil, err
	}
	opts := objects.CopyOpts{Destination: fmt.Sprintf("/%s/%s", dstBucket, dstKey)}
	res := objects.Copy(ctx, meta.Object, srcBucket, srcKey, opts)
	headers, err := res.Extract()
	if err != nil {
		return nil, err
	}
	return &backend.ObjectInfo{Key: dstKey, ETag: headers.ETag}, nil
}

func (c *Client) CreateBucket(ctx context.Context, bucket string) error {
	meta, err := c.meta()
	if err != nil {
		return err
	}
	// Swift's container-create returns 201 Created on first creation and
	// 202 Accepted when the container already existed; S3 clients expect
	// a flat success either way, so both map onto a nil error here.
	_, err = containers.Create(ctx, meta.Object, bucket, containers.CreateOpts{}).Extract()
	return err
}

func (c *Client) DeleteBucket(ctx context.Context, bucket string) error {
	meta, err := c.meta()
	if err != nil {
		return err
	}
	_, err = containers.Delete(ctx, meta.Object, bucket).Extract()
	return err
}

func (c *Client) ListBuckets(ctx context.Context) ([]backend.BucketInfo, error) {
	meta, err := c.meta()
	if err != nil {
		return nil, err
	}
	var out []backend.BucketInfo
	err = containers.List(meta.Object, containers.ListOpts{Full: true}).EachPage(ctx, func(ctx context.Context, page containers.Page) (bool, error) {
		infos, err := containers.ExtractInfo(page)
		if err != nil {
			return false, err
		}
		for _, info := range infos {
			out = append(out, backend.BucketInfo{Name: info.Name})
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// toSwiftMetadata translates S3-style lowercase-hyphen user metadata
// keys into the CamelCase form Swift expects after its
// "X-Object-Meta-" prefix.
func toSwiftMetadata(userMetadata map[string]string) map[string]string {
	out := make(map[string]string, len(userMetadata))
	for k, v := range userMetadata {
		out[strcase.ToCamel(k)] = v
	}
	return out
}

func fromSwiftMetadata(swiftMeta map[string]string) map[string]string {
	out := make(map[string]string, len(swiftMeta))
	for k, v := range swiftMeta {
		out[strings.ReplaceAll(strcase.ToSnake(k), "_", "-")] = v
	}
	return out
}

func isConflict(err error) bool {
	return strings.Contains(err.Error(), "409") || strings.Contains(strings.ToLower(err.Error()), "conflict")
}
