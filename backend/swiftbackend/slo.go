package swiftbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/herald-project/herald/backend"
)

// sloSegment is one entry in a Static Large Object manifest: the
// full "<container>/<object>" path of a part object, its ETag, and its
// size, used by Swift to validate the assembled object on read.
type sloSegment struct {
	Path string `json:"path"`
	ETag string `json:"etag"`
	Size int64  `json:"size_bytes"`
}

// putSLOManifest writes the JSON segment list and PUTs it against
// ?multipart-manifest=put, the Swift convention for registering a Static
// Large Object. Gophercloud's object-storage client doesn't model SLO
// manifests, so — like the DLO manifest PUT in swiftbackend.go — this is
// raw authenticated HTTP against the Keystone-resolved storage URL.
func (c *Client) putSLOManifest(ctx context.Context, bucket, key string, segments []sloSegment, contentType string) (*backend.ObjectInfo, error) {
	meta, err := c.meta()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(segments)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/%s?multipart-manifest=put", strings.TrimRight(meta.StorageURL, "/"), bucket, key)
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Auth-Token", meta.Token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("swiftbackend: SLO manifest PUT for %s/%s returned %d", bucket, key, resp.StatusCode)
	}

	var totalSize int64
	for _, s := range segments {
		totalSize += s.Size
	}
	return &backend.ObjectInfo{Key: key, ETag: resp.Header.Get("ETag"), Size: totalSize, ContentType: contentType}, nil
}
