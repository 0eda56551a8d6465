// Package source resolves source links to downloadable URLs and streams them to
// the work directory.
package source

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/italolelis/video_relay/internal/transfer"
)

// Strategy selects retry and resume behaviour for one download.
type Strategy string

const (
	// StrategyDirect fetches in a single attempt.
	StrategyDirect Strategy = "direct"
	// StrategyRanged retries a bounded number of times, resuming with Range requests.
	StrategyRanged Strategy = "ranged"
	// StrategyResumable keeps resuming while attempts make progress.
	StrategyResumable Strategy = "resumable"
)

var (
	pathIDPattern  = regexp.MustCompile(`/(?:file/)?d/([A-Za-z0-9_-]{10,})`)
	rawIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}$`)
	contentRangeRe = regexp.MustCompile(`/(\d+)$`)
)

// Resolved is a direct URL for the file bytes plus what the host declared about them.
type Resolved struct {
	URL         string
	Size        int64 // 0 when the host did not declare it
	ContentType string
	Name        string
	Header      http.Header
	// Shareable reports whether the original link can be published as-is.
	Shareable bool
}

// Resolver turns one family of source links into a Resolved.
type Resolver interface {
	Name() string
	Applies(uri string) bool
	Resolve(ctx context.Context, uri string) (*Resolved, error)
}

// Result describes a completed download.
type Result struct {
	Success     bool
	LocalPath   string
	Size        int64
	ContentType string
	Strategy    Strategy
	Resolver    string
	Cleanup     func() error
}

// ExtractFileID returns the hosted file id from a sharing link, a download link
// with an id query parameter or a raw id.
func ExtractFileID(uri string) (string, error) {
	uri = strings.TrimSpace(uri)

	if rawIDPattern.MatchString(uri) {
		return uri, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", &transfer.ContentError{URI: uri, Reason: "malformed source link", Err: err}
	}

	if m := pathIDPattern.FindStringSubmatch(u.Path); m != nil {
		return m[1], nil
	}

	if id := u.Query().Get("id"); rawIDPattern.MatchString(id) {
		return id, nil
	}

	return "", &transfer.ContentError{URI: uri, Reason: "no file id in source link"}
}

// IsHTTP reports whether uri is an absolute http(s) URL.
func IsHTTP(uri string) bool {
	u, err := url.Parse(uri)

	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// statusError maps a non-success source response to the taxonomy.
func statusError(uri string, resp *http.Response) error {
	reason := http.StatusText(resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		reason = "source is not shared publicly"
	case http.StatusNotFound, http.StatusGone:
		reason = "source does not exist or was removed"
	case http.StatusTooManyRequests:
		reason = "source host is throttling downloads"
	}

	return &transfer.AccessError{URI: uri, StatusCode: resp.StatusCode, Reason: reason}
}

func transportError(uri string, err error) error {
	return &transfer.AccessError{URI: uri, Reason: "request failed", Err: err}
}

// declaredSize reads the full size from Content-Range on partial responses and
// Content-Length otherwise.
func declaredSize(resp *http.Response) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if m := contentRangeRe.FindStringSubmatch(resp.Header.Get("Content-Range")); m != nil {
			if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				return n
			}
		}
	}

	if resp.ContentLength > 0 {
		return resp.ContentLength
	}

	return 0
}

func mediaType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}

	return mt
}

func isHTMLType(contentType string) bool {
	mt := mediaType(contentType)

	return mt == "text/html" || mt == "application/xhtml+xml"
}

// isErrorDocument reports whether a response that should carry video bytes is
// an HTML or JSON document instead.
func isErrorDocument(contentType string, head []byte) bool {
	mt := mediaType(contentType)
	if isHTMLType(mt) || mt == "application/json" {
		return true
	}

	sniffed := mediaType(http.DetectContentType(head))
	if sniffed == "text/html" {
		return true
	}

	if strings.HasPrefix(sniffed, "text/") {
		trimmed := strings.TrimSpace(string(head))

		return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
	}

	return false
}

func fileName(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}

	if resp.Request != nil && resp.Request.URL != nil {
		parts := strings.Split(resp.Request.URL.Path, "/")

		return parts[len(parts)-1]
	}

	return ""
}

// probe issues a one-byte ranged GET and maps failures. The caller owns the body.
func probe(ctx context.Context, client *http.Client, target string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &transfer.ContentError{URI: target, Reason: "malformed source link", Err: err}
	}

	for k, v := range header {
		req.Header[k] = v
	}

	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(target, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		drain(resp.Body)

		return nil, statusError(target, resp)
	}

	return resp, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, body, 64*1024)
	_ = body.Close()
}

func pick(resolvers []Resolver, uri string) (Resolver, error) {
	for _, r := range resolvers {
		if r.Applies(uri) {
			return r, nil
		}
	}

	return nil, &transfer.ContentError{URI: uri, Reason: fmt.Sprintf("unsupported source link %q", uri)}
}
