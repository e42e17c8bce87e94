package frontdoor

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/herald-project/herald/backend"
	"github.com/herald-project/herald/config"
	"github.com/herald-project/herald/herrors"
	"github.com/herald-project/herald/message"
	"github.com/herald-project/herald/mirror"
	"github.com/herald-project/herald/reqmeta"
)

// dispatch performs one S3-shaped operation against primary and, for any
// operation that mutates bucket state, enqueues a mirror task per
// configured replica. It returns the HTTP status written to
// w so the caller can log it, or a non-nil error if the operation
// failed before any response was written.
func (h *Handler) dispatch(r *http.Request, w http.ResponseWriter, meta reqmeta.RequestMeta, bucket *config.Bucket, primary backend.Backend, requestID string) (int, error) {
	ctx := r.Context()

	switch {
	case has(meta.Query, "uploads") && r.Method == http.MethodPost:
		return h.createMultipartUpload(ctx, w, r, meta, bucket, primary, requestID)

	case has(meta.Query, "uploadId") && r.Method == http.MethodPut:
		if src := r.Header.Get("X-Amz-Copy-Source"); src != "" {
			return h.uploadPartCopy(ctx, w, r, meta, bucket, primary, src)
		}
		return h.uploadPart(ctx, w, r, meta, primary)

	case has(meta.Query, "uploadId") && r.Method == http.MethodPost:
		return h.completeMultipartUpload(ctx, w, r, meta, bucket, primary, requestID)

	case has(meta.Query, "uploadId") && r.Method == http.MethodDelete:
		return h.abortMultipartUpload(ctx, w, meta, bucket, primary)

	case has(meta.Query, "delete") && r.Method == http.MethodPost:
		return h.deleteObjects(ctx, w, r, meta, bucket, primary, requestID)

	case r.Method == http.MethodHead && meta.HasKey():
		return h.headObject(ctx, w, meta, primary, requestID)

	case r.Method == http.MethodGet && meta.HasKey():
		return h.getObject(ctx, w, r, meta, primary, requestID)

	case r.Method == http.MethodGet && !meta.HasKey():
		// A path-style GET on the bare service root lists buckets; a
		// GET naming a bucket (in the path or the host) lists its
		// objects.
		if meta.URLFormat == reqmeta.Path && (r.URL.Path == "/" || r.URL.Path == "") {
			return h.listBuckets(ctx, w, primary)
		}
		return h.listObjects(ctx, w, meta, primary, requestID)

	case r.Method == http.MethodPut && meta.HasKey() && r.Header.Get("X-Amz-Copy-Source") != "":
		return h.copyObject(ctx, w, meta, bucket, primary, r.Header.Get("X-Amz-Copy-Source"), requestID)

	case r.Method == http.MethodPut && meta.HasKey():
		return h.putObject(ctx, w, r, meta, bucket, primary, requestID)

	case r.Method == http.MethodPut && !meta.HasKey():
		return h.createBucket(ctx, w, meta, bucket, primary)

	case r.Method == http.MethodDelete && meta.HasKey():
		return h.deleteObject(ctx, w, meta, bucket, primary)

	case r.Method == http.MethodDelete && !meta.HasKey():
		return h.deleteBucket(ctx, w, meta, bucket, primary)

	default:
		return 0, herrors.InvalidRequest(fmt.Sprintf("unsupported operation %s %s", r.Method, r.URL.Path), requestID)
	}
}

func has(query map[string][]string, key string) bool {
	_, ok := query[key]
	return ok
}

func (h *Handler) headObject(ctx context.Context, w http.ResponseWriter, meta reqmeta.RequestMeta, primary backend.Backend, requestID string) (int, error) {
	info, err := primary.HeadObject(ctx, meta.Bucket, meta.Key)
	if err != nil {
		return 0, translateUpstream(err, "HeadObject", requestID)
	}
	writeObjectHeaders(w, info)
	w.WriteHeader(http.StatusOK)
	return http.StatusOK, nil
}

func (h *Handler) getObject(ctx context.Context, w http.ResponseWriter, r *http.Request, meta reqmeta.RequestMeta, primary backend.Backend, requestID string) (int, error) {
	body, info, err := primary.GetObject(ctx, meta.Bucket, meta.Key, r.Header.Get("Range"))
	if err != nil {
		return 0, translateUpstream(err, "GetObject", requestID)
	}
	defer body.Close()

	writeObjectHeaders(w, info)
	status := http.StatusOK
	if r.Header.Get("Range") != "" {
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	io.Copy(w, body)
	return status, nil
}

func (h *Handler) putObject(ctx context.Context, w http.ResponseWriter, r *http.Request, meta reqmeta.RequestMeta, bucket *config.Bucket, primary backend.Backend, requestID string) (int, error) {
	size := r.ContentLength
	userMeta := extractUserMetadata(r.Header)

	info, err := primary.PutObject(ctx, meta.Bucket, meta.Key, r.Body, size, r.Header.Get("Content-Type"), userMeta)
	if err != nil {
		return 0, translateUpstream(err, "PutObject", requestID)
	}

	h.enqueueMirror(bucket, meta.Key, "", nil, mirror.CommandPutObject)

	w.Header().Set("ETag", info.ETag)
	w.WriteHeader(http.StatusOK)
	return http.StatusOK, nil
}

func (h *Handler) copyObject(ctx context.Context, w http.ResponseWriter, meta reqmeta.RequestMeta, bucket *config.Bucket, primary backend.Backend, copySource, requestID string) (int, error) {
	srcBucket, srcKey := splitCopySource(copySource)

	info, err := primary.CopyObject(ctx, srcBucket, srcKey, meta.Bucket, meta.Key)
	if err != nil {
		return 0, translateUpstream(err, "CopyObject", requestID)
	}

	h.enqueueMirror(bucket, meta.Key, srcKey, nil, mirror.CommandCopyObject)

	writeXML(w, http.StatusOK, copyObjectResult{ETag: info.ETag, LastModified: info.LastModified.Format(httpTimeLayout)})
	return http.StatusOK, nil
}

func (h *Handler) deleteObject(ctx context.Context, w http.ResponseWriter, meta reqmeta.RequestMeta, bucket *config.Bucket, primary backend.Backend) (int, error) {
	if err := primary.DeleteObject(ctx, meta.Bucket, meta.Key); err != nil {
		return 0, translateUpstream(err, "DeleteObject", "")
	}
	h.enqueueMirror(bucket, meta.Key, "", nil, mirror.CommandDeleteObject)
	w.WriteHeader(http.StatusNoContent)
	return http.StatusNoContent, nil
}

func (h *Handler) deleteObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, meta reqmeta.RequestMeta, bucket *config.Bucket, primary backend.Backend, requestID string) (int, error) {
	var req deleteRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		return 0, herrors.InvalidRequest("malformed Delete XML body", requestID)
	}

	keys := make([]string, 0, len(req.Objects))
	for _, o := range req.Objects {
		keys = append(keys, o.Key)
	}

	results, err := primary.DeleteObjects(ctx, meta.Bucket, keys)
	if err != nil {
		return 0, translateUpstream(err, "DeleteObjects", requestID)
	}

	h.enqueueMirror(bucket, "", "", keys, mirror.CommandDeleteObjects)

	resp := deleteResult{}
	for _, res := range results {
		if res.Deleted {
			resp.Deleted = append(resp.Deleted, deletedEntry{Key: res.Key})
		} else {
			resp.Errors = append(resp.Errors, deleteErrorEntry{Key: res.Key, Code: "InternalError", Message: herrors.CleanupLine(res.Err)})
		}
	}
	writeXML(w, http.StatusOK, resp)
	return http.StatusOK, nil
}

func (h *Handler) createBucket(ctx context.Context, w http.ResponseWriter, meta reqmeta.RequestMeta, bucket *config.Bucket, primary backend.Backend) (int, error) {
	if err := primary.CreateBucket(ctx, meta.Bucket); err != nil {
		return 0, translateUpstream(err, "CreateBucket", "")
	}
	h.enqueueMirror(bucket, "", "", nil, mirror.CommandCreateBucket)
	w.WriteHeader(http.StatusOK)
	return http.StatusOK, nil
}

func (h *Handler) deleteBucket(ctx context.Context, w http.ResponseWriter, meta reqmeta.RequestMeta, bucket *config.Bucket, primary backend.Backend) (int, error) {
	if err := primary.DeleteBucket(ctx, meta.Bucket); err != nil {
		return 0, translateUpstream(err, "DeleteBucket", "")
	}
	h.enqueueMirror(bucket, "", "", nil, mirror.CommandDeleteBucket)
	w.WriteHeader(http.StatusNoContent)
	return http.StatusNoContent, nil
}

func (h *Handler) listObjects(ctx context.Context, w http.ResponseWriter, meta reqmeta.RequestMeta, primary backend.Backend, requestID string) (int, error) {
	maxKeys := 1000
	if raw := firstQuery(meta.Query, "max-keys"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, herrors.InvalidRequest("invalid max-keys", requestID)
		}
		maxKeys = n
	}
	marker := firstQuery(meta.Query, "marker")
	if marker == "" {
		marker = firstQuery(meta.Query, "start-after")
	}

	result, err := primary.ListObjects(ctx, meta.Bucket, backend.ListQuery{
		Prefix:    firstQuery(meta.Query, "prefix"),
		Delimiter: firstQuery(meta.Query, "delimiter"),
		Marker:    marker,
		MaxKeys:   maxKeys,
	})
	if err != nil {
		return 0, translateUpstream(err, "ListObjects", requestID)
	}

	resp := listBucketResult{
		Name:        meta.Bucket,
		Prefix:      firstQuery(meta.Query, "prefix"),
		Delimiter:   firstQuery(meta.Query, "delimiter"),
		MaxKeys:     maxKeys,
		IsTruncated: result.IsTruncated,
		NextMarker:  result.NextMarker,
	}
	for _, obj := range result.Objects {
		resp.Contents = append(resp.Contents, listObjectEntry{
			Key:          obj.Key,
			ETag:         `"` + obj.ETag + `"`,
			Size:         obj.Size,
			LastModified: obj.LastModified.UTC().Format(httpTimeLayout),
			StorageClass: "STANDARD",
		})
	}
	for _, p := range result.CommonPrefixes {
		resp.CommonPrefixes = append(resp.CommonPrefixes, commonPrefixEntry{Prefix: p})
	}
	writeXML(w, http.StatusOK, resp)
	return http.StatusOK, nil
}

func (h *Handler) listBuckets(ctx context.Context, w http.ResponseWriter, primary backend.Backend) (int, error) {
	buckets, err := primary.ListBuckets(ctx)
	if err != nil {
		return 0, translateUpstream(err, "ListBuckets", "")
	}
	resp := listAllMyBucketsResult{Owner: ownerEntry{ID: "herald", DisplayName: "herald"}}
	for _, b := range buckets {
		resp.Buckets = append(resp.Buckets, bucketEntry{Name: b.Name, CreationDate: b.CreationDate.Format(httpTimeLayout)})
	}
	writeXML(w, http.StatusOK, resp)
	return http.StatusOK, nil
}

func (h *Handler) createMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, meta reqmeta.RequestMeta, bucket *config.Bucket, primary backend.Backend, requestID string) (int, error) {
	upload, err := primary.CreateMultipartUpload(ctx, meta.Bucket, meta.Key, r.Header.Get("Content-Type"), extractUserMetadata(r.Header))
	if err != nil {
		return 0, translateUpstream(err, "CreateMultipartUpload", requestID)
	}
	writeXML(w, http.StatusOK, initiateMultipartUploadResult{Bucket: meta.Bucket, Key: meta.Key, UploadID: upload.UploadID})
	return http.StatusOK, nil
}

func (h *Handler) uploadPart(ctx context.Context, w http.ResponseWriter, r *http.Request, meta reqmeta.RequestMeta, primary backend.Backend) (int, error) {
	partNumber, err := strconv.Atoi(firstQuery(meta.Query, "partNumber"))
	if err != nil {
		return 0, herrors.InvalidRequest("invalid partNumber", "")
	}
	uploadID := firstQuery(meta.Query, "uploadId")

	part, err := primary.UploadPart(ctx, meta.Bucket, meta.Key, uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		return 0, translateUpstream(err, "UploadPart", "")
	}
	w.Header().Set("ETag", part.ETag)
	w.WriteHeader(http.StatusOK)
	return http.StatusOK, nil
}

func (h *Handler) uploadPartCopy(ctx context.Context, w http.ResponseWriter, r *http.Request, meta reqmeta.RequestMeta, bucket *config.Bucket, primary backend.Backend, copySource string) (int, error) {
	partNumber, err := strconv.Atoi(firstQuery(meta.Query, "partNumber"))
	if err != nil {
		return 0, herrors.InvalidRequest("invalid partNumber", "")
	}
	uploadID := firstQuery(meta.Query, "uploadId")
	srcBucket, srcKey := splitCopySource(copySource)
	byteRange := r.Header.Get("X-Amz-Copy-Source-Range")

	part, err := primary.UploadPartCopy(ctx, meta.Bucket, meta.Key, uploadID, partNumber, srcBucket, srcKey, byteRange)
	if err != nil {
		return 0, translateUpstream(err, "UploadPartCopy", "")
	}
	writeXML(w, http.StatusOK, copyPartResult{ETag: part.ETag})
	return http.StatusOK, nil
}

func (h *Handler) completeMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, meta reqmeta.RequestMeta, bucket *config.Bucket, primary backend.Backend, requestID string) (int, error) {
	var req completeMultipartUploadRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		return 0, herrors.InvalidRequest("malformed CompleteMultipartUpload XML body", requestID)
	}
	uploadID := firstQuery(meta.Query, "uploadId")

	parts := make([]backend.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, backend.Part{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	info, err := primary.CompleteMultipartUpload(ctx, meta.Bucket, meta.Key, uploadID, parts)
	if err != nil {
		return 0, translateUpstream(err, "CompleteMultipartUpload", requestID)
	}

	// Mirrored as a single PutObject of the assembled object (mirror/task.go
	// doc comment): the replica never saw the individual segments.
	h.enqueueMirror(bucket, meta.Key, "", nil, mirror.CommandPutObject)

	writeXML(w, http.StatusOK, completeMultipartUploadResult{Bucket: meta.Bucket, Key: meta.Key, ETag: info.ETag})
	return http.StatusOK, nil
}

func (h *Handler) abortMultipartUpload(ctx context.Context, w http.ResponseWriter, meta reqmeta.RequestMeta, bucket *config.Bucket, primary backend.Backend) (int, error) {
	uploadID := firstQuery(meta.Query, "uploadId")
	if err := primary.AbortMultipartUpload(ctx, meta.Bucket, meta.Key, uploadID); err != nil {
		return 0, translateUpstream(err, "AbortMultipartUpload", "")
	}
	w.WriteHeader(http.StatusNoContent)
	return http.StatusNoContent, nil
}

// enqueueMirror hands a mirror task for every configured replica to the
// engine. Enqueue failures are logged but never surfaced to the client:
// the primary write already succeeded, and mirroring is a best-effort,
// eventually-consistent side effect.
func (h *Handler) enqueueMirror(bucket *config.Bucket, key, copySrcKey string, keys []string, cmd mirror.TaskCommand) {
	replicas := bucket.ResolvedReplicas()
	if len(replicas) == 0 {
		return
	}
	primaryName := bucket.ResolvedBackend().Name
	for _, replica := range replicas {
		task := mirror.NewTask(bucket.Name, key, replica.Name, primaryName, cmd)
		task.CopySrcKey = copySrcKey
		task.Keys = keys
		if err := h.engine.Enqueue(bucket.Name, task); err != nil {
			h.logger.Error(message.Error{Job: "mirror-enqueue", Err: fmt.Sprintf("%s %s -> %s: %v", cmd, bucket.Name, replica.Name, err)})
		}
	}
}
