package sigv4

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testAccessKey = "AKIDEXAMPLE"
const testSecret = "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY"

func fixedLookup(accessKeyID string) (string, bool) {
	if accessKeyID == testAccessKey {
		return testSecret, true
	}
	return "", false
}

func signedGetRequest(t *testing.T, when time.Time) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "http://examplebucket.s3/test.txt", nil)
	r.Host = "examplebucket.s3"

	amzDate := when.UTC().Format("20060102T150405Z")
	dateStamp := when.UTC().Format("20060102")
	r.Header.Set("X-Amz-Date", amzDate)
	r.Header.Set("Host", r.Host)

	payloadHash := "UNSIGNED-PAYLOAD"
	signedHeaders := []string{"host", "x-amz-date"}
	canonicalRequest, err := buildCanonicalRequest(r, signedHeaders, payloadHash)
	if err != nil {
		t.Fatalf("buildCanonicalRequest: %v", err)
	}
	credentialScope := dateStamp + "/us-east-1/s3/aws4_request"
	stringToSign := buildStringToSign(amzDate, credentialScope, canonicalRequest)
	signingKey := deriveSigningKey(testSecret, dateStamp, "us-east-1", "s3")
	signature := hmacSHA256(signingKey, stringToSign)

	authHeader := "AWS4-HMAC-SHA256 Credential=" + testAccessKey + "/" + credentialScope +
		", SignedHeaders=host;x-amz-date, Signature=" + hexEncode(signature)
	r.Header.Set("Authorization", authHeader)
	return r
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

func TestVerifyHeaderSignatureSucceeds(t *testing.T) {
	now := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	r := signedGetRequest(t, now)

	v := New(fixedLookup, 15*time.Minute)
	v.Now = func() time.Time { return now }

	if err := v.Verify(r, "UNSIGNED-PAYLOAD"); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyRejectsTamperedRequest(t *testing.T) {
	now := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	r := signedGetRequest(t, now)
	r.URL.Path = "/tampered.txt"

	v := New(fixedLookup, 15*time.Minute)
	v.Now = func() time.Time { return now }

	if err := v.Verify(r, "UNSIGNED-PAYLOAD"); err != ErrSignatureDoesNotMatch {
		t.Fatalf("expected ErrSignatureDoesNotMatch, got %v", err)
	}
}

func TestVerifyRejectsClockSkew(t *testing.T) {
	signTime := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	r := signedGetRequest(t, signTime)

	v := New(fixedLookup, 15*time.Minute)
	v.Now = func() time.Time { return signTime.Add(1 * time.Hour) }

	if err := v.Verify(r, "UNSIGNED-PAYLOAD"); err != ErrClockSkew {
		t.Fatalf("expected ErrClockSkew, got %v", err)
	}
}

// TestVerifyRejectsDateStampMismatch checks that the request date is
// checked against the credential scope's date stamp independently of
// clock skew: a credential scope naming a different day
// than X-Amz-Date must be rejected even when both fall inside ClockSkew.
func TestVerifyRejectsDateStampMismatch(t *testing.T) {
	now := time.Date(2023, 1, 1, 23, 59, 0, 0, time.UTC)
	r := signedGetRequest(t, now)

	authHeader := r.Header.Get("Authorization")
	r.Header.Set("Authorization", strings.Replace(authHeader, "20230101", "20230102", 1))

	v := New(fixedLookup, 15*time.Minute)
	v.Now = func() time.Time { return now }

	if err := v.Verify(r, "UNSIGNED-PAYLOAD"); err != ErrDateStampMismatch {
		t.Fatalf("expected ErrDateStampMismatch, got %v", err)
	}
}

func TestVerifyRejectsUnknownAccessKey(t *testing.T) {
	now := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	r := signedGetRequest(t, now)
	r.Header.Set("Authorization", "AWS4-HMAC-SHA256 Credential=UNKNOWNKEY/20230101/us-east-1/s3/aws4_request, SignedHeaders=host;x-amz-date, Signature=deadbeef")

	v := New(fixedLookup, 15*time.Minute)
	v.Now = func() time.Time { return now }

	if err := v.Verify(r, "UNSIGNED-PAYLOAD"); err != ErrSignatureDoesNotMatch {
		t.Fatalf("expected ErrSignatureDoesNotMatch for unknown access key, got %v", err)
	}
}

// TestVerifyRejectsDeclaredButAbsentSignedHeader checks the fail-closed
// rule for the SignedHeaders list: declaring a header the request never
// carried must be rejected outright, not verified against a canonical
// line that pretends the header was present and empty.
func TestVerifyRejectsDeclaredButAbsentSignedHeader(t *testing.T) {
	now := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	r := signedGetRequest(t, now)

	auth := r.Header.Get("Authorization")
	r.Header.Set("Authorization", strings.Replace(auth,
		"SignedHeaders=host;x-amz-date",
		"SignedHeaders=host;x-amz-content-sha256;x-amz-date", 1))

	v := New(fixedLookup, 15*time.Minute)
	v.Now = func() time.Time { return now }

	err := v.Verify(r, "UNSIGNED-PAYLOAD")
	if err == nil {
		t.Fatal("expected an error for a declared-but-absent signed header")
	}
	if !strings.Contains(err.Error(), "missing from request") {
		t.Fatalf("expected the missing-header rejection, got %v", err)
	}
}

func TestVerifyMissingAuthHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://examplebucket.s3/test.txt", nil)
	v := New(fixedLookup, 15*time.Minute)
	if err := v.Verify(r, "UNSIGNED-PAYLOAD"); err != ErrAuthHeaderEmpty {
		t.Fatalf("expected ErrAuthHeaderEmpty, got %v", err)
	}
}

func TestAWSURIEncodeUsesPercent20ForSpaceNotPlus(t *testing.T) {
	if got := awsURIEncode("a b"); got != "a%20b" {
		t.Errorf("expected %%20 for space, got %q", got)
	}
	if got := awsURIEncode("a+b"); got != "a%2Bb" {
		t.Errorf("expected literal + to be escaped, got %q", got)
	}
	if got := awsURIEncode("abc-._~XYZ09"); got != "abc-._~XYZ09" {
		t.Errorf("expected unreserved characters untouched, got %q", got)
	}
}

func TestCollapseSlashesReducesRepeatedSeparators(t *testing.T) {
	if got := collapseSlashes("/a//b///c"); got != "/a/b/c" {
		t.Errorf("expected collapsed slashes, got %q", got)
	}
}
