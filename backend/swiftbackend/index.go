package swiftbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// indexObjectKey is the well-known key Herald
// uses as the authoritative registry of in-progress multipart uploads for
// a Swift-backed bucket. Native Swift has no uploadId concept of its own,
// so this object is the only durable record of which parts belong to
// which upload once a worker process restarts.
const indexObjectKey = ".herald-state/multipart-uploads/index.json"

// maxIndexConflictRetries bounds the optimistic-concurrency retry loop.
const maxIndexConflictRetries = 5

type indexPartEntry struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

type indexUploadEntry struct {
	UploadID string           `json:"uploadId"`
	Key      string           `json:"key"`
	Parts    []indexPartEntry `json:"parts"`
}

type indexDoc struct {
	LastUpdated time.Time          `json:"lastUpdated"`
	Uploads     []indexUploadEntry `json:"uploads"`
}

// readIndexDoc fetches the current multipart index object along with its
// ETag, which syncIndexEntry then uses as the If-Match precondition on
// write. A missing index is not an error: it reads as an empty document
// with no ETag, and the first writer creates it with If-None-Match.
func (c *Client) readIndexDoc(ctx context.Context, bucket string) (*indexDoc, string, error) {
	meta, err := c.meta()
	if err != nil {
		return nil, "", err
	}

	url := fmt.Sprintf("%s/%s/%s", strings.TrimRight(meta.StorageURL, "/"), bucket, indexObjectKey)
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Auth-Token", meta.Token)
		return req, nil
	})
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return &indexDoc{}, "", nil
	}
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, "", fmt.Errorf("swiftbackend: GET multipart index for %q returned %d", bucket, resp.StatusCode)
	}

	var doc indexDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, "", fmt.Errorf("swiftbackend: decode multipart index for %q: %w", bucket, err)
	}
	return &doc, resp.Header.Get("ETag"), nil
}

// writeIndexDoc PUTs doc back as the multipart index, carrying an
// If-Match precondition against etag (If-None-Match: * when etag is
// empty, i.e. the index didn't exist yet). A 412 Precondition Failed
// means another request updated the index between this Client's read and
// write; that is reported via errIndexConflict so the caller can re-read
// and retry.
func (c *Client) writeIndexDoc(ctx context.Context, bucket string, doc *indexDoc, etag string) error {
	meta, err := c.meta()
	if err != nil {
		return err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/%s", strings.TrimRight(meta.StorageURL, "/"), bucket, indexObjectKey)
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Auth-Token", meta.Token)
		req.Header.Set("Content-Type", "application/json")
		if etag != "" {
			req.Header.Set("If-Match", etag)
		} else {
			req.Header.Set("If-None-Match", "*")
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusPreconditionFailed {
		return errIndexConflict
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("swiftbackend: PUT multipart index for %q returned %d", bucket, resp.StatusCode)
	}
	return nil
}

type indexConflictError struct{}

func (indexConflictError) Error() string { return "swiftbackend: multipart index write conflict" }

var errIndexConflict = indexConflictError{}

// syncIndexEntry upserts rec into the bucket's persisted multipart index,
// retrying the read-modify-write cycle on a 412 conflict up to
// maxIndexConflictRetries times. Herald's own in-memory
// MultipartIndex remains the fast-path source of truth within one
// process; this keeps the durable object an accurate mirror of it so a
// restarted process (or a second Herald instance) can discover
// in-progress uploads it didn't itself create.
func (c *Client) syncIndexEntry(ctx context.Context, bucket string, rec *uploadRecord) error {
	// Snapshot under the index lock: concurrent UploadPart calls for the
	// same upload mutate rec.Parts.
	c.Index.mu.Lock()
	entry := indexEntryFromRecord(rec)
	c.Index.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxIndexConflictRetries; attempt++ {
		doc, etag, err := c.readIndexDoc(ctx, bucket)
		if err != nil {
			return err
		}

		replaced := false
		for i, u := range doc.Uploads {
			if u.UploadID == entry.UploadID {
				doc.Uploads[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			doc.Uploads = append(doc.Uploads, entry)
		}
		doc.LastUpdated = time.Now()

		if err := c.writeIndexDoc(ctx, bucket, doc, etag); err != nil {
			if err == errIndexConflict {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("swiftbackend: multipart index update for bucket %q gave up after %d conflicts: %w", bucket, maxIndexConflictRetries, lastErr)
}

// removeIndexEntry drops uploadID's entry from the persisted multipart
// index, used by CompleteMultipartUpload (after the manifest commits) and
// AbortMultipartUpload. Same retry-on-412 loop as syncIndexEntry.
func (c *Client) removeIndexEntry(ctx context.Context, bucket, uploadID string) error {
	var lastErr error
	for attempt := 0; attempt < maxIndexConflictRetries; attempt++ {
		doc, etag, err := c.readIndexDoc(ctx, bucket)
		if err != nil {
			return err
		}

		kept := doc.Uploads[:0]
		found := false
		for _, u := range doc.Uploads {
			if u.UploadID == uploadID {
				found = true
				continue
			}
			kept = append(kept, u)
		}
		if !found {
			return nil
		}
		doc.Uploads = kept
		doc.LastUpdated = time.Now()

		if err := c.writeIndexDoc(ctx, bucket, doc, etag); err != nil {
			if err == errIndexConflict {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("swiftbackend: multipart index removal for bucket %q gave up after %d conflicts: %w", bucket, maxIndexConflictRetries, lastErr)
}

func indexEntryFromRecord(rec *uploadRecord) indexUploadEntry {
	entry := indexUploadEntry{UploadID: rec.UploadID, Key: rec.Key}
	for _, p := range rec.Parts {
		entry.Parts = append(entry.Parts, indexPartEntry{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size})
	}
	return entry
}
