// Package sigv4 implements Herald's AWS Signature Version 4 request
// verifier: parse the Authorization header (or presigned query string),
// reconstruct the canonical request byte-exactly, and compare signatures
// in constant time. The aws-sdk-go-v2 chain used by backend/s3backend
// only signs outbound requests; verification of inbound ones lives here.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	ErrAuthHeaderEmpty       = errors.New("sigv4: missing Authorization header")
	ErrMissingSignHeadersTag = errors.New("sigv4: Authorization header missing SignedHeaders")
	ErrExpiredPresign        = errors.New("sigv4: presigned URL expired")
	ErrSignatureDoesNotMatch = errors.New("sigv4: computed signature does not match")
	ErrClockSkew             = errors.New("sigv4: request timestamp outside allowed clock skew")
	ErrDateStampMismatch     = errors.New("sigv4: request date does not match credential scope date")
)

const algorithm = "AWS4-HMAC-SHA256"

// authHeaderRe parses:
// AWS4-HMAC-SHA256 Credential=AKID/20230101/us-east-1/s3/aws4_request, SignedHeaders=host;x-amz-date, Signature=abcd...
var authHeaderRe = regexp.MustCompile(`^AWS4-HMAC-SHA256 Credential=(?P<credential>[^,]+), ?SignedHeaders=(?P<signedheaders>[^,]+), ?Signature=(?P<signature>[0-9a-f]+)$`)

// SecretLookup resolves an access key ID to its secret key. The verifier
// performs this lookup itself rather than being handed a single fixed
// secret, so one Herald process can front buckets owned by different
// backends/credentials.
type SecretLookup func(accessKeyID string) (secret string, ok bool)

// Verifier checks inbound request signatures against SecretLookup.
type Verifier struct {
	Secrets   SecretLookup
	ClockSkew time.Duration
	Now       func() time.Time
}

// New constructs a Verifier. clockSkew is the maximum allowed difference
// between the request's x-amz-date and wall-clock time.
func New(secrets SecretLookup, clockSkew time.Duration) *Verifier {
	return &Verifier{Secrets: secrets, ClockSkew: clockSkew, Now: time.Now}
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Verify checks the Authorization header (or presigned query-string
// signature) on r against the configured secret store. payloadHash is
// the request payload hash; callers pass "UNSIGNED-PAYLOAD" for streamed
// uploads per the S3 convention.
func (v *Verifier) Verify(r *http.Request, payloadHash string) error {
	if q := r.URL.Query().Get("X-Amz-Signature"); q != "" {
		return v.verifyPresigned(r)
	}
	return v.verifyHeader(r, payloadHash)
}

func (v *Verifier) verifyHeader(r *http.Request, payloadHash string) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ErrAuthHeaderEmpty
	}

	m := authHeaderRe.FindStringSubmatch(authHeader)
	if m == nil {
		return ErrMissingSignHeadersTag
	}
	credential := m[1]
	signedHeadersRaw := m[2]
	signature := m[3]

	credParts := strings.Split(credential, "/")
	if len(credParts) != 5 {
		return fmt.Errorf("sigv4: malformed credential scope %q", credential)
	}
	accessKeyID, dateStamp, region, service := credParts[0], credParts[1], credParts[2], credParts[3]

	secret, ok := v.Secrets(accessKeyID)
	if !ok {
		return ErrSignatureDoesNotMatch
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return fmt.Errorf("sigv4: missing X-Amz-Date header")
	}
	reqTime, err := time.Parse("20060102T150405Z", amzDate)
	if err != nil {
		return fmt.Errorf("sigv4: invalid X-Amz-Date: %w", err)
	}
	if skew := v.now().Sub(reqTime); skew > v.ClockSkew || skew < -v.ClockSkew {
		return ErrClockSkew
	}
	// Rejected independently of clock skew: a request signed
	// yesterday but replayed today can fall inside ClockSkew while still
	// carrying a credential scope dated for a different day.
	if reqTime.Format("20060102") != dateStamp {
		return ErrDateStampMismatch
	}

	signedHeaders := strings.Split(signedHeadersRaw, ";")
	canonicalRequest, err := buildCanonicalRequest(r, signedHeaders, payloadHash)
	if err != nil {
		return err
	}

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, region, service)
	stringToSign := buildStringToSign(amzDate, credentialScope, canonicalRequest)

	signingKey := deriveSigningKey(secret, dateStamp, region, service)
	expected := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureDoesNotMatch
	}
	return nil
}

func (v *Verifier) verifyPresigned(r *http.Request) error {
	q := r.URL.Query()
	signature := q.Get("X-Amz-Signature")
	credential := q.Get("X-Amz-Credential")
	signedHeadersRaw := q.Get("X-Amz-SignedHeaders")
	amzDate := q.Get("X-Amz-Date")
	expiresStr := q.Get("X-Amz-Expires")

	if signature == "" || credential == "" || amzDate == "" {
		return ErrAuthHeaderEmpty
	}

	reqTime, err := time.Parse("20060102T150405Z", amzDate)
	if err != nil {
		return fmt.Errorf("sigv4: invalid X-Amz-Date: %w", err)
	}
	var expiresSeconds int64 = 900
	fmt.Sscanf(expiresStr, "%d", &expiresSeconds)
	if v.now().After(reqTime.Add(time.Duration(expiresSeconds) * time.Second)) {
		return ErrExpiredPresign
	}

	credParts := strings.Split(credential, "/")
	if len(credParts) != 5 {
		return fmt.Errorf("sigv4: malformed credential scope %q", credential)
	}
	accessKeyID, dateStamp, region, service := credParts[0], credParts[1], credParts[2], credParts[3]

	secret, ok := v.Secrets(accessKeyID)
	if !ok {
		return ErrSignatureDoesNotMatch
	}

	signedHeaders := strings.Split(signedHeadersRaw, ";")

	stripped := *r.URL
	strippedQuery := url.Values{}
	for k, vals := range q {
		if k == "X-Amz-Signature" {
			continue
		}
		strippedQuery[k] = vals
	}
	stripped.RawQuery = strippedQuery.Encode()
	strippedReq := r.Clone(r.Context())
	strippedReq.URL = &stripped

	canonicalRequest, err := buildCanonicalRequest(strippedReq, signedHeaders, "UNSIGNED-PAYLOAD")
	if err != nil {
		return err
	}
	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, region, service)
	stringToSign := buildStringToSign(amzDate, credentialScope, canonicalRequest)

	signingKey := deriveSigningKey(secret, dateStamp, region, service)
	expected := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureDoesNotMatch
	}
	return nil
}

func buildCanonicalRequest(r *http.Request, signedHeaders []string, payloadHash string) (string, error) {
	canonicalURI := collapseSlashes(r.URL.EscapedPath())
	if canonicalURI == "" {
		canonicalURI = "/"
	}
	if !strings.HasPrefix(canonicalURI, "/") {
		canonicalURI = "/" + canonicalURI
	}

	canonicalQuery := canonicalQueryString(r.URL.Query())

	var headerLines []string
	for _, h := range signedHeaders {
		name := strings.ToLower(strings.TrimSpace(h))
		var values []string
		if name == "host" {
			values = []string{r.Host}
		} else {
			values = r.Header.Values(http.CanonicalHeaderKey(name))
			// A header the SignedHeaders list declares but the request
			// never carried must fail the request, not verify against a
			// canonical line that pretends it was present and empty.
			if len(values) == 0 {
				return "", fmt.Errorf("sigv4: signed header %q missing from request", name)
			}
		}
		joined := strings.Join(collapseSpaces(values), ",")
		headerLines = append(headerLines, name+":"+joined)
	}
	canonicalHeaders := strings.Join(headerLines, "\n") + "\n"
	signedHeadersJoined := strings.Join(signedHeaders, ";")

	return strings.Join([]string{
		r.Method,
		canonicalURI,
		canonicalQuery,
		canonicalHeaders,
		signedHeadersJoined,
		payloadHash,
	}, "\n"), nil
}

// collapseSlashes reduces any run of consecutive "/" in path to a single
// "/".
func collapseSlashes(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}

func collapseSpaces(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.Join(strings.Fields(v), " ")
	}
	return out
}

func canonicalQueryString(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, awsURIEncode(k)+"="+awsURIEncode(v))
		}
	}
	return strings.Join(parts, "&")
}

// awsURIEncode percent-encodes s the way SigV4 canonical requests
// require: every octet outside A-Z a-z 0-9 - _ . ~ is escaped as %XX,
// uppercase hex, including space as %20 — unlike url.QueryEscape, which
// encodes space as "+" and is therefore not byte-compatible with AWS's
// definition of "percent-encode".
func awsURIEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func buildStringToSign(amzDate, credentialScope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		algorithm,
		amzDate,
		credentialScope,
		hex.EncodeToString(hash[:]),
	}, "\n")
}

func deriveSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
