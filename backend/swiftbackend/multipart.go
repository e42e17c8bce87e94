package swiftbackend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gophercloud/gophercloud/v2/openstack/objectstorage/v1/objects"

	"github.com/herald-project/herald/backend"
	"github.com/herald-project/herald/buffer"
	"github.com/herald-project/herald/herrors"
	"github.com/herald-project/herald/workerpool"
)

// multipartPrefix namespaces the per-part objects a multipart upload
// writes under the original key, kept out of the way of the final
// manifest object and excluded from ordinary listings by convention.
const multipartPrefix = ".herald-multipart"

// uploadRecord is the in-memory bookkeeping for one in-progress
// CreateMultipartUpload→CompleteMultipartUpload/AbortMultipartUpload
// session.
type uploadRecord struct {
	Bucket       string
	Key          string
	UploadID     string
	ContentType  string
	UserMetadata map[string]string
	CreatedAt    time.Time
	Parts        map[int]backend.Part
}

// MultipartIndex tracks in-progress multipart uploads for one Swift
// backend. Swift has no native multipart-upload concept, so Herald must
// hold this bookkeeping itself — parts are written as ordinary
// objects under a hidden prefix, and CompleteMultipartUpload stitches
// them into a Static Large Object manifest in PartNumber order.
type MultipartIndex struct {
	mu      sync.Mutex
	records map[string]*uploadRecord // uploadID -> record
}

func NewMultipartIndex() *MultipartIndex {
	return &MultipartIndex{records: map[string]*uploadRecord{}}
}

func partObjectKey(key, uploadID string, partNumber int) string {
	return fmt.Sprintf("%s/%s/%s/%05d", multipartPrefix, key, uploadID, partNumber)
}

func (c *Client) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string, userMetadata map[string]string) (*backend.MultipartUpload, error) {
	uploadID := uuid.NewString()

	rec := &uploadRecord{
		Bucket:       bucket,
		Key:          key,
		UploadID:     uploadID,
		ContentType:  contentType,
		UserMetadata: userMetadata,
		CreatedAt:    time.Now(),
		Parts:        map[int]backend.Part{},
	}
	c.Index.mu.Lock()
	c.Index.records[uploadID] = rec
	c.Index.mu.Unlock()

	if err := c.syncIndexEntry(ctx, bucket, rec); err != nil {
		return nil, fmt.Errorf("swiftbackend: register upload %s in multipart index: %w", uploadID, err)
	}

	return &backend.MultipartUpload{Key: key, UploadID: uploadID}, nil
}

func (c *Client) record(uploadID string) (*uploadRecord, error) {
	c.Index.mu.Lock()
	defer c.Index.mu.Unlock()
	rec, ok := c.Index.records[uploadID]
	if !ok {
		return nil, fmt.Errorf("swiftbackend: unknown upload id %q", uploadID)
	}
	return rec, nil
}

func (c *Client) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, size int64) (*backend.Part, error) {
	if _, err := c.record(uploadID); err != nil {
		return nil, err
	}

	meta, err := c.meta()
	if err != nil {
		return nil, err
	}

	partKey := partObjectKey(key, uploadID, partNumber)
	res := objects.Create(ctx, meta.Object, bucket, partKey, objects.CreateOpts{Content: body})
	headers, err := res.Extract()
	if err != nil {
		return nil, err
	}

	part := backend.Part{PartNumber: partNumber, ETag: headers.ETag, Size: size}

	c.Index.mu.Lock()
	rec := c.Index.records[uploadID]
	if rec != nil {
		rec.Parts[partNumber] = part
	}
	c.Index.mu.Unlock()

	if rec != nil {
		if err := c.syncIndexEntry(ctx, bucket, rec); err != nil {
			return nil, fmt.Errorf("swiftbackend: record part %d of upload %s in multipart index: %w", partNumber, uploadID, err)
		}
	}

	return &part, nil
}

// UploadPartCopy copies a byte range from an existing object into a
// multipart part. A non-empty byteRange is served by a single ranged GET
// of the source; an empty byteRange copies the whole source object with
// concurrent fixed-size ranged GETs, stitched back into ascending byte
// order before the part is written.
func (c *Client) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, byteRange string) (*backend.Part, error) {
	if _, err := c.record(uploadID); err != nil {
		return nil, err
	}

	meta, err := c.meta()
	if err != nil {
		return nil, err
	}

	var content []byte
	if byteRange != "" {
		res := objects.Download(ctx, meta.Object, srcBucket, srcKey, objects.DownloadOpts{Range: byteRange})
		content, err = res.ExtractContent()
		if err != nil {
			return nil, fmt.Errorf("swiftbackend: range copy %s/%s range=%q: %w", srcBucket, srcKey, byteRange, err)
		}
	} else {
		info, err := c.HeadObject(ctx, srcBucket, srcKey)
		if err != nil {
			return nil, fmt.Errorf("swiftbackend: stat copy source %s/%s: %w", srcBucket, srcKey, err)
		}
		buf := &bytes.Buffer{}
		if err := c.downloadConcurrent(ctx, srcBucket, srcKey, info.Size, buf); err != nil {
			return nil, fmt.Errorf("swiftbackend: copy source %s/%s: %w", srcBucket, srcKey, err)
		}
		content = buf.Bytes()
	}

	partKey := partObjectKey(key, uploadID, partNumber)
	res := objects.Create(ctx, meta.Object, bucket, partKey, objects.CreateOpts{Content: bytes.NewReader(content)})
	headers, err := res.Extract()
	if err != nil {
		return nil, err
	}

	part := backend.Part{PartNumber: partNumber, ETag: headers.ETag, Size: int64(len(content))}

	c.Index.mu.Lock()
	rec := c.Index.records[uploadID]
	if rec != nil {
		rec.Parts[partNumber] = part
	}
	c.Index.mu.Unlock()

	if rec != nil {
		if err := c.syncIndexEntry(ctx, bucket, rec); err != nil {
			return nil, fmt.Errorf("swiftbackend: record copied part %d of upload %s in multipart index: %w", partNumber, uploadID, err)
		}
	}

	return &part, nil
}

// copyChunkSize is the ranged-GET size downloadConcurrent splits a
// whole-object copy into.
const copyChunkSize = 32 * 1024 * 1024

// downloadConcurrent fetches an object as parallel fixed-size ranged
// GETs and reassembles the chunks into w in ascending offset order.
func (c *Client) downloadConcurrent(ctx context.Context, bucket, key string, size int64, w io.Writer) error {
	meta, err := c.meta()
	if err != nil {
		return err
	}

	ordered := buffer.NewOrderedWriterAt(w)
	pool := workerpool.New(8)
	for start := int64(0); start < size; start += copyChunkSize {
		start := start
		end := start + copyChunkSize - 1
		if end >= size {
			end = size - 1
		}
		pool.Run(func() error {
			res := objects.Download(ctx, meta.Object, bucket, key, objects.DownloadOpts{Range: fmt.Sprintf("bytes=%d-%d", start, end)})
			content, err := res.ExtractContent()
			if err != nil {
				return err
			}
			_, err = ordered.WriteAt(content, start)
			return err
		})
	}
	if errs := pool.Wait(); len(errs) > 0 {
		return herrors.Aggregate(errs...)
	}
	return nil
}

// CompleteMultipartUpload builds a Static Large Object manifest from the
// uploaded part objects in ascending PartNumber order, then deletes the
// per-part objects once the manifest write succeeds.
func (c *Client) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []backend.Part) (*backend.ObjectInfo, error) {
	rec, err := c.record(uploadID)
	if err != nil {
		return nil, err
	}

	sorted := append([]backend.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	manifest := make([]sloSegment, len(sorted))
	for i, p := range sorted {
		manifest[i] = sloSegment{
			Path: fmt.Sprintf("%s/%s", bucket, partObjectKey(key, uploadID, p.PartNumber)),
			ETag: p.ETag,
			Size: p.Size,
		}
	}

	info, err := c.putSLOManifest(ctx, bucket, key, manifest, rec.ContentType)
	if err != nil {
		return nil, err
	}

	for _, p := range sorted {
		_ = c.DeleteObject(ctx, bucket, partObjectKey(key, uploadID, p.PartNumber))
	}

	c.Index.mu.Lock()
	delete(c.Index.records, uploadID)
	c.Index.mu.Unlock()

	if err := c.removeIndexEntry(ctx, bucket, uploadID); err != nil {
		return nil, fmt.Errorf("swiftbackend: remove completed upload %s from multipart index: %w", uploadID, err)
	}

	return info, nil
}

// AbortMultipartUpload deletes every part object written so far and
// drops the bookkeeping record. It is idempotent: aborting an unknown or
// already-completed upload ID is not an error, matching S3's own
// behavior for a repeated abort.
func (c *Client) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	c.Index.mu.Lock()
	rec, ok := c.Index.records[uploadID]
	if ok {
		delete(c.Index.records, uploadID)
	}
	c.Index.mu.Unlock()

	if !ok {
		return nil
	}

	for partNumber := range rec.Parts {
		_ = c.DeleteObject(ctx, bucket, partObjectKey(key, uploadID, partNumber))
	}
	return c.removeIndexEntry(ctx, bucket, uploadID)
}

// PruneStaleUploads deletes bookkeeping (the in-memory record and its
// entry in the persisted index) and any already-written part objects
// for multipart uploads older than olderThan that were never
// completed or aborted — a client that started an upload and vanished
// otherwise leaks part objects in the backend forever.
func (c *Client) PruneStaleUploads(ctx context.Context, olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	c.Index.mu.Lock()
	var stale []*uploadRecord
	for id, rec := range c.Index.records {
		if rec.CreatedAt.Before(cutoff) {
			stale = append(stale, rec)
			delete(c.Index.records, id)
		}
	}
	c.Index.mu.Unlock()

	for _, rec := range stale {
		for partNumber := range rec.Parts {
			_ = c.DeleteObject(ctx, rec.Bucket, partObjectKey(rec.Key, rec.UploadID, partNumber))
		}
		_ = c.removeIndexEntry(ctx, rec.Bucket, rec.UploadID)
	}
	return len(stale)
}
