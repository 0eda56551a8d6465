package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/video_relay/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTarget = "page-1"
	testToken  = "tok"
)

var testCred = transfer.Credential{TargetID: testTarget, AccessToken: testToken}

// fakePlatform implements the subset of the Graph video API the uploader uses.
type fakePlatform struct {
	mu sync.Mutex

	chunkSize    int64
	total        int64
	assembled    []byte
	failAt       map[int64]int // offset -> transient failures left
	badNext      bool
	startOffsets []int64
	startCalls   int
	finish       map[string]string
	single       []byte
	singleFields map[string]string
	singleCalls  int
	singleFails  int           // transient single-shot failures left
	singleDelay  time.Duration // time a failing single-shot attempt takes
	fileURL      string
	link         map[string]string
	posts        []map[string]any
}

func newFakePlatform(t *testing.T, chunkSize int64) (*fakePlatform, *httptest.Server) {
	t.Helper()

	p := &fakePlatform{chunkSize: chunkSize, failAt: map[int64]int{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /"+testTarget+"/videos", p.authorized(p.videos))
	mux.HandleFunc("GET /"+testTarget+"/feed", p.authorized(p.feed))
	mux.HandleFunc("POST /"+testTarget+"/feed", p.authorized(p.publishLink))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return p, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func graphError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"message": msg, "code": code}})
}

func (p *fakePlatform) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			graphError(w, http.StatusBadRequest, 190, "Invalid OAuth access token.")

			return
		}

		next(w, r)
	}
}

func (p *fakePlatform) videos(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := r.ParseMultipartForm(32 << 20); err != nil && err != http.ErrNotMultipart {
		graphError(w, http.StatusBadRequest, 100, err.Error())

		return
	}

	switch r.FormValue("upload_phase") {
	case "start":
		p.startCalls++
		p.total, _ = strconv.ParseInt(r.FormValue("file_size"), 10, 64)
		writeJSON(w, http.StatusOK, map[string]any{
			"upload_session_id": "sess-1",
			"video_id":          "vid-1",
			"start_offset":      "0",
			"end_offset":        strconv.FormatInt(min(p.chunkSize, p.total), 10),
		})
	case "transfer":
		offset, _ := strconv.ParseInt(r.FormValue("start_offset"), 10, 64)
		p.startOffsets = append(p.startOffsets, offset)

		if p.failAt[offset] > 0 {
			p.failAt[offset]--
			graphError(w, http.StatusServiceUnavailable, 2, "Service temporarily unavailable")

			return
		}

		if offset != int64(len(p.assembled)) {
			graphError(w, http.StatusBadRequest, 6001, "unexpected offset")

			return
		}

		f, _, err := r.FormFile("video_file_chunk")
		if err != nil {
			graphError(w, http.StatusBadRequest, 100, "missing chunk")

			return
		}
		defer f.Close()

		chunk, _ := io.ReadAll(f)
		p.assembled = append(p.assembled, chunk...)

		next := int64(len(p.assembled))
		if p.badNext {
			next += 7
		}

		// numeric offsets on purpose, the real API sends strings
		writeJSON(w, http.StatusOK, map[string]any{"start_offset": next, "end_offset": min(next+p.chunkSize, p.total)})
	case "finish":
		p.finish = map[string]string{
			"upload_session_id": r.FormValue("upload_session_id"),
			"title":             r.FormValue("title"),
			"description":       r.FormValue("description"),
			"tags":              r.FormValue("tags"),
			"locale":            r.FormValue("locale"),
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		if u := r.FormValue("file_url"); u != "" {
			p.fileURL = u
			writeJSON(w, http.StatusOK, map[string]any{"id": "vid-remote"})

			return
		}

		p.singleCalls++

		if p.singleFails > 0 {
			p.singleFails--
			time.Sleep(p.singleDelay)
			graphError(w, http.StatusServiceUnavailable, 2, "Service temporarily unavailable")

			return
		}

		f, _, err := r.FormFile("source")
		if err != nil {
			graphError(w, http.StatusBadRequest, 100, "missing source")

			return
		}
		defer f.Close()

		p.single, _ = io.ReadAll(f)
		p.singleFields = map[string]string{"title": r.FormValue("title"), "tags": r.FormValue("tags")}
		writeJSON(w, http.StatusOK, map[string]any{"id": "vid-single"})
	}
}

func (p *fakePlatform) feed(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"data": p.posts})
}

func (p *fakePlatform) publishLink(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.link = map[string]string{"link": r.FormValue("link"), "message": r.FormValue("message")}
	writeJSON(w, http.StatusOK, map[string]any{"id": "post-link"})
}

type fakeRecorder struct {
	mu       sync.Mutex
	retries  int
	uploaded map[string]int64
}

func (f *fakeRecorder) RecordChunkRetry() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.retries++
}

func (f *fakeRecorder) RecordBytesUploaded(strategy string, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploaded == nil {
		f.uploaded = map[string]int64{}
	}

	f.uploaded[strategy] += n
}

func testUploaderConfig() Config {
	return Config{
		SingleShotMaxBytes:   1000,
		ResumableMaxBytes:    10000,
		ChunkSize:            1000,
		MaxRetries:           3,
		RetryInitialInterval: time.Millisecond,
		VerifyWindow:         50 * time.Millisecond,
		VerifyInterval:       5 * time.Millisecond,
		VerifyTolerance:      2 * time.Minute,
	}
}

func newTestUploader(srv *httptest.Server, cfg Config, opts ...UploaderOption) *Uploader {
	client := NewClient(srv.URL, WithTransport(srv.Client().Transport))

	return NewUploader(cfg, client, opts...)
}

func writeFile(t *testing.T, n int) (string, []byte) {
	t.Helper()

	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 253)
	}

	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path, data
}

func TestUploader_SelectStrategy(t *testing.T) {
	u := NewUploader(testUploaderConfig(), nil)

	tests := []struct {
		size    int64
		want    Strategy
		wantErr bool
	}{
		{1, StrategySingle, false},
		{999, StrategySingle, false},
		{1000, StrategyResumable, false},
		{10000, StrategyResumable, false},
		{10001, "", true},
		{0, "", true},
	}

	for _, tt := range tests {
		t.Run(strconv.FormatInt(tt.size, 10), func(t *testing.T) {
			got, err := u.SelectStrategy(tt.size)
			if tt.wantErr {
				var uErr *transfer.UploadError
				require.ErrorAs(t, err, &uErr)
				assert.Equal(t, transfer.PhaseSelect, uErr.Phase)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUploader_Single(t *testing.T) {
	p, srv := newFakePlatform(t, 1000)
	rec := &fakeRecorder{}
	u := newTestUploader(srv, testUploaderConfig(), WithRecorder(rec))
	path, data := writeFile(t, 500)

	var last int64

	res, err := u.Upload(context.Background(), Upload{
		Path:       path,
		Size:       500,
		Credential: testCred,
		Metadata:   transfer.Metadata{Title: "Clip", Labels: []string{"a", "b"}},
	}, func(sent, _ int64) { last = sent })
	require.NoError(t, err)

	assert.Equal(t, StrategySingle, res.Strategy)
	assert.Equal(t, "vid-single", res.MediaID)
	assert.Nil(t, res.Session)
	assert.Equal(t, data, p.single)
	assert.Equal(t, map[string]string{"title": "Clip", "tags": "a,b"}, p.singleFields)
	assert.Equal(t, int64(500), last)
	assert.Equal(t, int64(500), rec.uploaded["single"])
}

func TestUploader_SingleRetriesAfterLongAttempt(t *testing.T) {
	t.Run("no elapsed cap by default", func(t *testing.T) {
		p, srv := newFakePlatform(t, 1000)
		p.singleFails = 1
		p.singleDelay = 30 * time.Millisecond

		u := newTestUploader(srv, testUploaderConfig())
		path, data := writeFile(t, 500)

		res, err := u.Upload(context.Background(), Upload{Path: path, Size: 500, Credential: testCred}, nil)
		require.NoError(t, err)

		assert.Equal(t, "vid-single", res.MediaID)
		assert.Equal(t, 2, p.singleCalls)
		assert.Equal(t, data, p.single)
	})

	t.Run("elapsed cap stops retries", func(t *testing.T) {
		p, srv := newFakePlatform(t, 1000)
		p.singleFails = 1
		p.singleDelay = 30 * time.Millisecond

		cfg := testUploaderConfig()
		cfg.RetryMaxElapsed = 10 * time.Millisecond

		u := newTestUploader(srv, cfg)
		path, _ := writeFile(t, 500)

		_, err := u.Upload(context.Background(), Upload{Path: path, Size: 500, Credential: testCred}, nil)

		var uErr *transfer.UploadError
		require.ErrorAs(t, err, &uErr)
		assert.Equal(t, transfer.PhaseSingle, uErr.Phase)
		assert.Equal(t, 1, p.singleCalls)
	})
}

func TestUploader_Resumable(t *testing.T) {
	p, srv := newFakePlatform(t, 1000)
	u := newTestUploader(srv, testUploaderConfig())
	path, data := writeFile(t, 2500)

	var reports []int64

	res, err := u.Upload(context.Background(), Upload{
		Path:       path,
		Size:       2500,
		Credential: testCred,
		Metadata:   transfer.Metadata{Title: "Clip", Description: "long one", Labels: []string{"x"}, Locale: "en_US"},
	}, func(sent, _ int64) { reports = append(reports, sent) })
	require.NoError(t, err)

	assert.Equal(t, StrategyResumable, res.Strategy)
	assert.Equal(t, "vid-1", res.MediaID)
	assert.Equal(t, data, p.assembled)
	assert.Equal(t, []int64{0, 1000, 2000}, p.startOffsets)
	assert.Equal(t, []int64{1000, 2000, 2500}, reports)

	require.NotNil(t, res.Session)
	assert.True(t, res.Session.Tiled())
	assert.Equal(t, SessionFinished, res.Session.State)
	assert.Equal(t, []Range{{0, 1000}, {1000, 2000}, {2000, 2500}}, res.Session.Accepted)

	assert.Equal(t, map[string]string{
		"upload_session_id": "sess-1",
		"title":             "Clip",
		"description":       "long one",
		"tags":              "x",
		"locale":            "en_US",
	}, p.finish)
}

func TestUploader_RetriesChunkAtSameOffset(t *testing.T) {
	p, srv := newFakePlatform(t, 1000)
	p.failAt[1000] = 2

	rec := &fakeRecorder{}
	u := newTestUploader(srv, testUploaderConfig(), WithRecorder(rec))
	path, data := writeFile(t, 3000)

	res, err := u.Upload(context.Background(), Upload{Path: path, Size: 3000, Credential: testCred}, nil)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1000, 1000, 1000, 2000}, p.startOffsets)
	assert.Equal(t, 1, p.startCalls, "session never restarted")
	assert.Equal(t, data, p.assembled, "retries do not corrupt the assembled file")
	assert.Len(t, p.assembled, 3000)
	assert.True(t, res.Session.Tiled())
	assert.Equal(t, 2, rec.retries)
	assert.Equal(t, int64(3000), rec.uploaded["resumable"])
}

func TestUploader_ChunkRetriesExhausted(t *testing.T) {
	p, srv := newFakePlatform(t, 1000)
	p.failAt[1000] = 100

	cfg := testUploaderConfig()
	cfg.MaxRetries = 2
	u := newTestUploader(srv, cfg)
	path, _ := writeFile(t, 3000)

	_, err := u.Upload(context.Background(), Upload{Path: path, Size: 3000, Credential: testCred}, nil)

	var uErr *transfer.UploadError
	require.ErrorAs(t, err, &uErr)
	assert.Equal(t, transfer.PhaseTransfer, uErr.Phase)
	assert.Equal(t, int64(1000), uErr.Offset)
	assert.Equal(t, []int64{0, 1000, 1000, 1000}, p.startOffsets)
	assert.Nil(t, p.finish, "finish never called")
	assert.Equal(t, transfer.TagUpload, transfer.Classify(err))
}

func TestUploader_FileShorterThanDeclared(t *testing.T) {
	p, srv := newFakePlatform(t, 1000)
	u := newTestUploader(srv, testUploaderConfig())
	path, _ := writeFile(t, 2200)

	_, err := u.Upload(context.Background(), Upload{Path: path, Size: 2500, Credential: testCred}, nil)

	var uErr *transfer.UploadError
	require.ErrorAs(t, err, &uErr)
	assert.Equal(t, transfer.PhaseTransfer, uErr.Phase)
	assert.Equal(t, int64(2000), uErr.Offset)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, []int64{0, 1000}, p.startOffsets, "short chunk never sent")
	assert.Len(t, p.assembled, 2000)
	assert.Nil(t, p.finish)
}

func TestUploader_OffsetMismatch(t *testing.T) {
	p, srv := newFakePlatform(t, 1000)
	p.badNext = true

	u := newTestUploader(srv, testUploaderConfig())
	path, _ := writeFile(t, 2500)

	_, err := u.Upload(context.Background(), Upload{Path: path, Size: 2500, Credential: testCred}, nil)

	var uErr *transfer.UploadError
	require.ErrorAs(t, err, &uErr)
	assert.Equal(t, transfer.PhaseTransfer, uErr.Phase)
	assert.Contains(t, uErr.Reason, "platform expects offset 1007")
	assert.Nil(t, p.finish)
}

func TestUploader_AuthenticationFailure(t *testing.T) {
	p, srv := newFakePlatform(t, 1000)
	u := newTestUploader(srv, testUploaderConfig())
	path, _ := writeFile(t, 2500)

	cred := testCred
	cred.AccessToken = "expired"

	_, err := u.Upload(context.Background(), Upload{Path: path, Size: 2500, Credential: cred}, nil)

	var uErr *transfer.UploadError
	require.ErrorAs(t, err, &uErr)
	assert.Equal(t, transfer.PhaseInit, uErr.Phase)

	var authErr *transfer.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "start_session", authErr.Operation)
	assert.Contains(t, err.Error(), "authentication failed")
	assert.Equal(t, 0, p.startCalls)
}

func TestUploader_Verify(t *testing.T) {
	p, srv := newFakePlatform(t, 1000)
	completed := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)

	p.posts = []map[string]any{
		{"id": "post-old", "created_time": "2026-10-14T09:00:00+0000", "attachments": map[string]any{"data": []any{map[string]any{"media_type": "video"}}}},
		{"id": "post-photo", "created_time": "2026-10-14T10:00:10+0000", "attachments": map[string]any{"data": []any{map[string]any{"media_type": "photo"}}}},
		{"id": "post-near", "created_time": "2026-10-14T10:00:30+0000", "attachments": map[string]any{"data": []any{map[string]any{"media_type": "video"}}}},
	}

	u := newTestUploader(srv, testUploaderConfig())

	id, err := u.Verify(context.Background(), testCred, "vid-1", completed)
	require.NoError(t, err)
	assert.Equal(t, "post-near", id)

	p.mu.Lock()
	p.posts = append(p.posts, map[string]any{
		"id": "post-exact", "created_time": "2026-10-14T10:01:00+0000",
		"attachments": map[string]any{"data": []any{map[string]any{"media_type": "video", "target": map[string]any{"id": "vid-1"}}}},
	})
	p.mu.Unlock()

	id, err = u.Verify(context.Background(), testCred, "vid-1", completed)
	require.NoError(t, err)
	assert.Equal(t, "post-exact", id, "media id match wins over time proximity")
}

func TestUploader_VerifyTimeout(t *testing.T) {
	_, srv := newFakePlatform(t, 1000)
	u := newTestUploader(srv, testUploaderConfig())

	_, err := u.Verify(context.Background(), testCred, "vid-1", time.Now())

	var vErr *transfer.VerificationTimeout
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "vid-1", vErr.MediaID)
	assert.Equal(t, transfer.TagVerificationTimeout, transfer.Classify(err))
}

func TestUploader_LinkAndRemote(t *testing.T) {
	p, srv := newFakePlatform(t, 1000)
	u := newTestUploader(srv, testUploaderConfig())
	meta := transfer.Metadata{Title: "Clip", Description: "watch"}

	id, err := u.PublishLink(context.Background(), testCred, "https://example.com/v.mp4", meta)
	require.NoError(t, err)
	assert.Equal(t, "post-link", id)
	assert.Equal(t, map[string]string{"link": "https://example.com/v.mp4", "message": "Clip\n\nwatch"}, p.link)

	id, err = u.UploadFromURL(context.Background(), testCred, "https://example.com/v.mp4", meta)
	require.NoError(t, err)
	assert.Equal(t, "vid-remote", id)
	assert.Equal(t, "https://example.com/v.mp4", p.fileURL)
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		graphError(w, http.StatusInternalServerError, 1, "An unknown error occurred")
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, WithTransport(srv.Client().Transport))

	_, err := c.Feed(context.Background(), testCred, time.Now())

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusInternalServerError, netErr.StatusCode)
	assert.Equal(t, "An unknown error occurred", netErr.APIMessage)
	assert.True(t, transfer.IsRetryable(err))
}

func TestFlexInt64(t *testing.T) {
	var v struct {
		A flexInt64 `json:"a"`
		B flexInt64 `json:"b"`
		C flexInt64 `json:"c"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"a":"1048576","b":42,"c":null}`), &v))
	assert.Equal(t, flexInt64(1048576), v.A)
	assert.Equal(t, flexInt64(42), v.B)
	assert.Equal(t, flexInt64(0), v.C)

	require.Error(t, json.Unmarshal([]byte(`{"a":"abc"}`), &v))
}

func TestSession_Accept(t *testing.T) {
	s := NewSession("s", 2500, 1000)

	require.NoError(t, s.Accept(s.NextChunk()))
	assert.Equal(t, Range{1000, 2000}, s.NextChunk())

	require.Error(t, s.Accept(Range{500, 1500}), "overlap")
	require.Error(t, s.Accept(Range{1500, 2500}), "gap")
	require.Error(t, s.Accept(Range{1000, 3000}), "past the end")

	require.NoError(t, s.Accept(s.NextChunk()))
	assert.False(t, s.Complete())
	assert.False(t, s.Tiled())

	require.NoError(t, s.Accept(s.NextChunk()))
	assert.True(t, s.Complete())
	assert.True(t, s.Tiled())

	s.Accepted = append(s.Accepted, Range{2000, 2500})
	assert.False(t, s.Tiled(), "duplicate range")
}

func TestMetaForm(t *testing.T) {
	form := metaForm(transfer.Metadata{Title: "t", Labels: []string{"a", "b"}})

	assert.Equal(t, "t", form.Get("title"))
	assert.Equal(t, "a,b", form.Get("tags"))
	assert.False(t, form.Has("description"))

	var buf bytes.Buffer
	_, _ = fmt.Fprint(&buf, form.Encode())
	assert.Equal(t, "tags=a%2Cb&title=t", buf.String())
}
