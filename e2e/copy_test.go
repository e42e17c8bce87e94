package e2e

import (
	"bytes"
	"crypto/md5"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"testing"

	"gotest.tools/v3/assert"
)

// TestCopyObjectDuplicatesKeyOnPrimary: a PUT followed by a same-bucket
// COPY (X-Amz-Copy-Source) must
// leave both keys independently readable with identical contents.
// TestMultipartUploadAssemblesPartsInOrder below covers the multipart
// half: parts uploaded out of order must still assemble in part-number
// order with a matching whole-object checksum.
func TestCopyObjectDuplicatesKeyOnPrimary(t *testing.T) {
	h := newHarness(t, harnessOptions{authType: "none"})
	body := []byte("copy source body")

	putReq, err := http.NewRequest(http.MethodPut, h.serverURL+"/b/source.txt", bytes.NewReader(body))
	assert.NilError(t, err)
	putResp, err := http.DefaultClient.Do(putReq)
	assert.NilError(t, err)
	putResp.Body.Close()
	assert.Equal(t, putResp.StatusCode, http.StatusOK)

	copyReq, err := http.NewRequest(http.MethodPut, h.serverURL+"/b/dest.txt", nil)
	assert.NilError(t, err)
	copyReq.Header.Set("X-Amz-Copy-Source", "/b/source.txt")
	copyResp, err := http.DefaultClient.Do(copyReq)
	assert.NilError(t, err)
	defer copyResp.Body.Close()
	assert.Equal(t, copyResp.StatusCode, http.StatusOK)

	srcResp, err := http.Get(h.serverURL + "/b/source.txt")
	assert.NilError(t, err)
	defer srcResp.Body.Close()
	srcBody, err := io.ReadAll(srcResp.Body)
	assert.NilError(t, err)
	assert.Equal(t, string(srcBody), string(body))

	dstResp, err := http.Get(h.serverURL + "/b/dest.txt")
	assert.NilError(t, err)
	defer dstResp.Body.Close()
	dstBody, err := io.ReadAll(dstResp.Body)
	assert.NilError(t, err)
	assert.Equal(t, string(dstBody), string(body))
}

type completeMultipartUploadXML struct {
	XMLName xml.Name           `xml:"CompleteMultipartUpload"`
	Parts   []completedPartXML `xml:"Part"`
}

type completedPartXML struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type initiateMultipartUploadResultXML struct {
	UploadID string `xml:"UploadId"`
}

// TestMultipartUploadAssemblesPartsInOrder covers the part-assembly half
// the multipart coverage: CreateMultipartUpload, two UploadPart
// calls, then CompleteMultipartUpload must assemble the parts in order
// into one object whose body is the exact concatenation.
func TestMultipartUploadAssemblesPartsInOrder(t *testing.T) {
	h := newHarness(t, harnessOptions{authType: "none"})

	initResp, err := http.Post(h.serverURL+"/b/multi.txt?uploads", "application/octet-stream", nil)
	assert.NilError(t, err)
	defer initResp.Body.Close()
	assert.Equal(t, initResp.StatusCode, http.StatusOK)
	initBody, err := io.ReadAll(initResp.Body)
	assert.NilError(t, err)
	var initResult initiateMultipartUploadResultXML
	assert.NilError(t, xml.Unmarshal(initBody, &initResult))
	assert.Assert(t, initResult.UploadID != "")

	part1 := bytes.Repeat([]byte("a"), 5*1024*1024)
	part2 := []byte("final part, shorter than 5MiB")

	etag1 := putPart(t, h.serverURL, initResult.UploadID, 1, part1)
	etag2 := putPart(t, h.serverURL, initResult.UploadID, 2, part2)

	completeBody, err := xml.Marshal(completeMultipartUploadXML{
		Parts: []completedPartXML{
			{PartNumber: 1, ETag: etag1},
			{PartNumber: 2, ETag: etag2},
		},
	})
	assert.NilError(t, err)

	completeURL := fmt.Sprintf("%s/b/multi.txt?uploadId=%s", h.serverURL, initResult.UploadID)
	completeResp, err := http.Post(completeURL, "application/xml", bytes.NewReader(completeBody))
	assert.NilError(t, err)
	defer completeResp.Body.Close()
	assert.Equal(t, completeResp.StatusCode, http.StatusOK)

	getResp, err := http.Get(h.serverURL + "/b/multi.txt")
	assert.NilError(t, err)
	defer getResp.Body.Close()
	got, err := io.ReadAll(getResp.Body)
	assert.NilError(t, err)

	want := append(append([]byte{}, part1...), part2...)
	assert.Equal(t, len(got), len(want))
	assert.Equal(t, md5sum(got), md5sum(want))
}

func putPart(t *testing.T, serverURL, uploadID string, partNumber int, body []byte) string {
	t.Helper()
	url := fmt.Sprintf("%s/b/multi.txt?partNumber=%d&uploadId=%s", serverURL, partNumber, uploadID)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	assert.NilError(t, err)
	resp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	return resp.Header.Get("ETag")
}

func md5sum(b []byte) string {
	sum := md5.Sum(b)
	return fmt.Sprintf("%x", sum)
}
