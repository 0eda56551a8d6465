// Package publish uploads media to the publishing platform's Graph-style REST API.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/telemetry"
	"github.com/italolelis/video_relay/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const clientName = "platform"

// Client talks to the platform. The access token comes from each call's
// credential.
type Client struct {
	baseURL   string
	transport http.RoundTripper
	telemetry *telemetry.Telemetry
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTransport replaces the base transport under the token transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.transport = rt }
}

func WithTelemetry(t *telemetry.Telemetry) ClientOption {
	return func(c *Client) { c.telemetry = t }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SessionStart is the platform's answer to upload_phase=start.
type SessionStart struct {
	SessionID   string    `json:"upload_session_id"`
	VideoID     string    `json:"video_id"`
	StartOffset flexInt64 `json:"start_offset"`
	EndOffset   flexInt64 `json:"end_offset"`
}

// Offsets is the next byte range the platform expects.
type Offsets struct {
	StartOffset flexInt64 `json:"start_offset"`
	EndOffset   flexInt64 `json:"end_offset"`
}

// Post is one entry of the target's feed.
type Post struct {
	ID          string    `json:"id"`
	CreatedTime graphTime `json:"created_time"`
	Attachments struct {
		Data []Attachment `json:"data"`
	} `json:"attachments"`
}

type Attachment struct {
	MediaType string `json:"media_type"`
	Target    struct {
		ID string `json:"id"`
	} `json:"target"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// StartSession opens a resumable upload session for size bytes.
func (c *Client) StartSession(ctx context.Context, cred transfer.Credential, size int64) (*SessionStart, error) {
	var out SessionStart

	err := c.do(ctx, cred, "start_session", func(ctx context.Context, hc *http.Client) error {
		form := url.Values{
			"upload_phase": {"start"},
			"file_size":    {strconv.FormatInt(size, 10)},
		}

		return c.postForm(ctx, hc, "start_session", c.videosURL(cred), form, &out)
	})
	if err != nil {
		return nil, err
	}

	if out.SessionID == "" {
		return nil, &transfer.NetworkError{Operation: "start_session", APIMessage: "response carried no upload_session_id"}
	}

	return &out, nil
}

// TransferChunk sends chunk at startOffset and returns the next expected range.
func (c *Client) TransferChunk(ctx context.Context, cred transfer.Credential, sessionID string, startOffset int64, chunk []byte) (*Offsets, error) {
	var out Offsets

	err := c.do(ctx, cred, "transfer_chunk", func(ctx context.Context, hc *http.Client) error {
		var body bytes.Buffer

		mw := multipart.NewWriter(&body)
		_ = mw.WriteField("upload_phase", "transfer")
		_ = mw.WriteField("upload_session_id", sessionID)
		_ = mw.WriteField("start_offset", strconv.FormatInt(startOffset, 10))

		part, err := mw.CreateFormFile("video_file_chunk", "chunk")
		if err != nil {
			return err
		}

		if _, err := part.Write(chunk); err != nil {
			return err
		}

		if err := mw.Close(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.videosURL(cred), &body)
		if err != nil {
			return err
		}

		req.Header.Set("Content-Type", mw.FormDataContentType())

		return c.send(hc, req, "transfer_chunk", &out)
	})
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// FinishSession closes the session and publishes the video with meta.
func (c *Client) FinishSession(ctx context.Context, cred transfer.Credential, sessionID string, meta transfer.Metadata) error {
	return c.do(ctx, cred, "finish_session", func(ctx context.Context, hc *http.Client) error {
		form := metaForm(meta)
		form.Set("upload_phase", "finish")
		form.Set("upload_session_id", sessionID)

		var out struct {
			Success bool `json:"success"`
		}

		if err := c.postForm(ctx, hc, "finish_session", c.videosURL(cred), form, &out); err != nil {
			return err
		}

		if !out.Success {
			return &transfer.NetworkError{Operation: "finish_session", APIMessage: "platform did not confirm the upload"}
		}

		return nil
	})
}

// UploadSingle streams the whole file in one multipart request.
func (c *Client) UploadSingle(ctx context.Context, cred transfer.Credential, name string, r io.Reader, meta transfer.Metadata) (string, error) {
	var out struct {
		ID string `json:"id"`
	}

	err := c.do(ctx, cred, "upload_single", func(ctx context.Context, hc *http.Client) error {
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)

		go func() {
			pw.CloseWithError(writeSingle(mw, name, r, meta))
		}()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.videosURL(cred), pr)
		if err != nil {
			_ = pr.Close()

			return err
		}

		req.Header.Set("Content-Type", mw.FormDataContentType())

		return c.send(hc, req, "upload_single", &out)
	})
	if err != nil {
		return "", err
	}

	return out.ID, nil
}

func writeSingle(mw *multipart.Writer, name string, r io.Reader, meta transfer.Metadata) error {
	for k, v := range metaForm(meta) {
		if err := mw.WriteField(k, v[0]); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("source", name)
	if err != nil {
		return err
	}

	if _, err := io.Copy(part, r); err != nil {
		return err
	}

	return mw.Close()
}

// UploadFromURL asks the platform to fetch fileURL itself.
func (c *Client) UploadFromURL(ctx context.Context, cred transfer.Credential, fileURL string, meta transfer.Metadata) (string, error) {
	var out struct {
		ID string `json:"id"`
	}

	err := c.do(ctx, cred, "upload_from_url", func(ctx context.Context, hc *http.Client) error {
		form := metaForm(meta)
		form.Set("file_url", fileURL)

		return c.postForm(ctx, hc, "upload_from_url", c.videosURL(cred), form, &out)
	})
	if err != nil {
		return "", err
	}

	return out.ID, nil
}

// PublishLink posts link with message to the target's feed.
func (c *Client) PublishLink(ctx context.Context, cred transfer.Credential, link, message string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}

	err := c.do(ctx, cred, "publish_link", func(ctx context.Context, hc *http.Client) error {
		form := url.Values{"link": {link}}
		if message != "" {
			form.Set("message", message)
		}

		return c.postForm(ctx, hc, "publish_link", c.baseURL+"/"+url.PathEscape(cred.TargetID)+"/feed", form, &out)
	})
	if err != nil {
		return "", err
	}

	return out.ID, nil
}

// Feed lists the target's posts created after since.
func (c *Client) Feed(ctx context.Context, cred transfer.Credential, since time.Time) ([]Post, error) {
	var out struct {
		Data []Post `json:"data"`
	}

	err := c.do(ctx, cred, "feed", func(ctx context.Context, hc *http.Client) error {
		q := url.Values{
			"fields": {"id,created_time,attachments{media_type,target}"},
			"since":  {strconv.FormatInt(since.Unix(), 10)},
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(cred.TargetID)+"/feed?"+q.Encode(), nil)
		if err != nil {
			return err
		}

		return c.send(hc, req, "feed", &out)
	})
	if err != nil {
		return nil, err
	}

	return out.Data, nil
}

func (c *Client) videosURL(cred transfer.Credential) string {
	return c.baseURL + "/" + url.PathEscape(cred.TargetID) + "/videos"
}

func (c *Client) do(ctx context.Context, cred transfer.Credential, operation string, fn func(context.Context, *http.Client) error) error {
	hc := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken}),
			Base:   c.transport,
		},
	}

	return c.telemetry.InstrumentClientOperation(ctx, clientName, operation, func(ctx context.Context) error {
		return fn(ctx, hc)
	})
}

func (c *Client) postForm(ctx context.Context, hc *http.Client, operation, target string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.send(hc, req, operation, out)
}

func (c *Client) send(hc *http.Client, req *http.Request, operation string, out any) error {
	logger := logctx.LoggerFromContext(req.Context())

	resp, err := hc.Do(req)
	if err != nil {
		return &transfer.NetworkError{Operation: operation, APIMessage: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err := responseError(operation, resp)
		logger.Debug("platform returned an error", "operation", operation, "status", resp.StatusCode, "err", err)

		return err
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: "invalid response body", Err: err}
	}

	return nil
}

func responseError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var apiErr apiError

	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	netErr := &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: msg}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || apiErr.Error.Code == 190 {
		return &transfer.AuthenticationError{Operation: operation, Err: netErr}
	}

	return netErr
}

func metaForm(meta transfer.Metadata) url.Values {
	form := url.Values{}

	if meta.Title != "" {
		form.Set("title", meta.Title)
	}

	if meta.Description != "" {
		form.Set("description", meta.Description)
	}

	if len(meta.Labels) > 0 {
		form.Set("tags", strings.Join(meta.Labels, ","))
	}

	if meta.Locale != "" {
		form.Set("locale", meta.Locale)
	}

	return form
}

// flexInt64 accepts offsets encoded as JSON numbers or strings.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0

		return nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %s: %w", b, err)
	}

	*f = flexInt64(n)

	return nil
}

const graphTimeLayout = "2006-01-02T15:04:05-0700"

type graphTime struct{ time.Time }

func (g *graphTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}

	for _, layout := range []string{graphTimeLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			g.Time = t

			return nil
		}
	}

	return errors.New("invalid created_time " + s)
}
