package integrations

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// S3Provider implements the S3 integration with AWS Signature V4 request
// signing. Credentials: access_key_id, secret_access_key, region (default
// us-east-1), endpoint (default https://s3.amazonaws.com).
type S3Provider struct {
	httpClient *http.Client
	now        func() time.Time
}

// NewS3Provider creates the S3 provider.
func NewS3Provider() *S3Provider {
	return &S3Provider{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

func (p *S3Provider) Type() string { return "s3" }

// Actions lists the S3 operations.
func (p *S3Provider) Actions() []Action {
	return []Action{
		{Name: "s3.list_buckets", Description: "List all buckets"},
		{Name: "s3.list_objects", Description: "List objects in a bucket"},
		{Name: "s3.get_object", Description: "Download an object"},
		{Name: "s3.put_object", Description: "Upload an object"},
	}
}

// Test lists buckets to probe connectivity and credentials.
func (p *S3Provider) Test(ctx context.Context, creds map[string]string) (bool, string) {
	_, err := p.Execute(ctx, creds, "s3.list_buckets", nil)
	if err != nil {
		return false, err.Error()
	}
	return true, "credentials valid"
}

// Execute performs one signed S3 call.
func (p *S3Provider) Execute(ctx context.Context, creds map[string]string, action string, params map[string]any) (any, error) {
	endpoint := creds["endpoint"]
	if endpoint == "" {
		endpoint = "https://s3.amazonaws.com"
	}

	var method, reqPath string
	var query url.Values
	var body []byte

	bucket, _ := params["bucket"].(string)
	key, _ := params["key"].(string)

	switch action {
	case "s3.list_buckets":
		method, reqPath = http.MethodGet, "/"
	case "s3.list_objects":
		if bucket == "" {
			return nil, fmt.Errorf("bucket is required")
		}
		method, reqPath = http.MethodGet, "/"+bucket
		query = url.Values{"list-type": []string{"2"}}
		if prefix, ok := params["prefix"].(string); ok && prefix != "" {
			query.Set("prefix", prefix)
		}
	case "s3.get_object":
		if bucket == "" || key == "" {
			return nil, fmt.Errorf("bucket and key are required")
		}
		method, reqPath = http.MethodGet, "/"+bucket+"/"+key
	case "s3.put_object":
		if bucket == "" || key == "" {
			return nil, fmt.Errorf("bucket and key are required")
		}
		method, reqPath = http.MethodPut, "/"+bucket+"/"+key
		if content, ok := params["content"].(string); ok {
			body = []byte(content)
		}
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}

	reqURL := endpoint + reqPath
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}

	if err := p.sign(req, creds, body); err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Network error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("Network error: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return string(respBody), nil
}

// sign applies AWS Signature V4 to the request: x-amz-date,
// x-amz-content-sha256, and the Authorization header with the credential
// scope {YYYYMMDD}/{region}/s3/aws4_request.
func (p *S3Provider) sign(req *http.Request, creds map[string]string, body []byte) error {
	accessKey := creds["access_key_id"]
	secretKey := creds["secret_access_key"]
	if accessKey == "" || secretKey == "" {
		return fmt.Errorf("access_key_id and secret_access_key are required")
	}
	region := creds["region"]
	if region == "" {
		region = "us-east-1"
	}
	const service = "s3"

	now := p.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	payloadHash := hex.EncodeToString(sha256Sum(body))
	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("Host", req.URL.Host)

	// Canonical request.
	signedHeaderNames := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	sort.Strings(signedHeaderNames)
	var canonicalHeaders strings.Builder
	for _, h := range signedHeaderNames {
		value := req.Header.Get(h)
		if h == "host" {
			value = req.URL.Host
		}
		canonicalHeaders.WriteString(h + ":" + strings.TrimSpace(value) + "\n")
	}
	signedHeaders := strings.Join(signedHeaderNames, ";")

	canonicalQuery := canonicalQueryString(req.URL)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery,
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	// String to sign.
	credentialScope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hex.EncodeToString(sha256Sum([]byte(canonicalRequest))),
	}, "\n")

	// Signing key.
	kDate := hmacSHA256([]byte("AWS4"+secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, credentialScope, signedHeaders, signature,
	))
	return nil
}

func canonicalURI(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.EscapedPath()
}

func canonicalQueryString(u *url.URL) string {
	query := u.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		values := query[k]
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
