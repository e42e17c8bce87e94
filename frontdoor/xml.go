package frontdoor

import (
	"encoding/xml"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/herald-project/herald/backend"
	"github.com/herald-project/herald/herrors"
)

// httpTimeLayout is the ISO 8601 timestamp format S3 XML responses
// use for LastModified/CreationDate fields.
const httpTimeLayout = "2006-01-02T15:04:05.000Z"

type listAllMyBucketsResult struct {
	XMLName xml.Name      `xml:"ListAllMyBucketsResult"`
	Owner   ownerEntry    `xml:"Owner"`
	Buckets []bucketEntry `xml:"Buckets>Bucket"`
}

type ownerEntry struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

type bucketEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type listBucketResult struct {
	XMLName        xml.Name            `xml:"ListBucketResult"`
	Name           string              `xml:"Name"`
	Prefix         string              `xml:"Prefix"`
	Delimiter      string              `xml:"Delimiter,omitempty"`
	MaxKeys        int                 `xml:"MaxKeys"`
	IsTruncated    bool                `xml:"IsTruncated"`
	NextMarker     string              `xml:"NextMarker,omitempty"`
	Contents       []listObjectEntry   `xml:"Contents"`
	CommonPrefixes []commonPrefixEntry `xml:"CommonPrefixes"`
}

type listObjectEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type commonPrefixEntry struct {
	Prefix string `xml:"Prefix"`
}

type copyObjectResult struct {
	XMLName      xml.Name `xml:"CopyObjectResult"`
	ETag         string   `xml:"ETag"`
	LastModified string   `xml:"LastModified"`
}

type copyPartResult struct {
	XMLName xml.Name `xml:"CopyPartResult"`
	ETag    string   `xml:"ETag"`
}

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type completeMultipartUploadRequest struct {
	XMLName xml.Name           `xml:"CompleteMultipartUpload"`
	Parts   []completedPartXML `xml:"Part"`
}

type completedPartXML struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeMultipartUploadResult struct {
	XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
	Bucket  string   `xml:"Bucket"`
	Key     string   `xml:"Key"`
	ETag    string   `xml:"ETag"`
}

type deleteRequest struct {
	XMLName xml.Name           `xml:"Delete"`
	Objects []deleteRequestKey `xml:"Object"`
}

type deleteRequestKey struct {
	Key string `xml:"Key"`
}

type deleteResult struct {
	XMLName xml.Name           `xml:"DeleteResult"`
	Deleted []deletedEntry     `xml:"Deleted"`
	Errors  []deleteErrorEntry `xml:"Error"`
}

type deletedEntry struct {
	Key string `xml:"Key"`
}

type deleteErrorEntry struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

func writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	enc := xml.NewEncoder(w)
	enc.Encode(v)
}

func writeObjectHeaders(w http.ResponseWriter, info *backend.ObjectInfo) {
	if info == nil {
		return
	}
	w.Header().Set("ETag", info.ETag)
	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Length", itoa64(info.Size))
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	for k, v := range info.UserMetadata {
		w.Header().Set("x-amz-meta-"+k, v)
	}
}

// extractUserMetadata collects every x-amz-meta-* header into a plain
// map, stripping the prefix.
func extractUserMetadata(header http.Header) map[string]string {
	const prefix = "x-amz-meta-"
	out := map[string]string{}
	for k, v := range header {
		lower := strings.ToLower(k)
		if strings.HasPrefix(lower, prefix) && len(v) > 0 {
			out[strings.TrimPrefix(lower, prefix)] = v[0]
		}
	}
	return out
}

// splitCopySource parses an X-Amz-Copy-Source header value of the form
// "/bucket/key" (optionally URL-encoded and without the leading slash).
func splitCopySource(src string) (bucket, key string) {
	if decoded, err := url.PathUnescape(src); err == nil {
		src = decoded
	}
	src = strings.TrimPrefix(src, "/")
	parts := strings.SplitN(src, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func firstQuery(query map[string][]string, key string) string {
	if vals, ok := query[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}

// translateUpstream wraps a backend.Backend error into Herald's error
// taxonomy. Neither s3backend nor swiftbackend translate "object
// not found" into a Herald-specific type (they return the raw
// aws-sdk-go-v2/gophercloud error), so the common not-found codes both
// SDKs use are recognized here by substring rather than by importing
// each SDK's own error package into frontdoor.
func translateUpstream(err error, operation, requestID string) error {
	if ce, ok := err.(*herrors.ClientError); ok {
		return ce
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey"), strings.Contains(msg, "StatusCode: 404") && operation != "CreateBucket":
		return herrors.NoSuchKey(operation, requestID)
	case strings.Contains(msg, "NoSuchBucket"):
		return herrors.NoSuchBucket(operation, requestID)
	}
	return &herrors.UpstreamError{Operation: operation, Err: err}
}
