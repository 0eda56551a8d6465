package source

import (
	"context"
	"net/http"

	"github.com/italolelis/video_relay/internal/transfer"
)

// HTTPResolver handles plain http(s) links that serve the file directly.
type HTTPResolver struct {
	Client *http.Client
}

func (h *HTTPResolver) Name() string { return "http" }

func (h *HTTPResolver) Applies(uri string) bool { return IsHTTP(uri) }

// Resolve asks for the headers with HEAD, falling back to a ranged GET for
// hosts that refuse HEAD.
func (h *HTTPResolver) Resolve(ctx context.Context, uri string) (*Resolved, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return nil, &transfer.ContentError{URI: uri, Reason: "malformed source link", Err: err}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, transportError(uri, err)
	}

	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		resp, err = probe(ctx, h.Client, uri, nil)
		if err != nil {
			return nil, err
		}

		drain(resp.Body)
	} else if resp.StatusCode != http.StatusOK {
		return nil, statusError(uri, resp)
	}

	contentType := resp.Header.Get("Content-Type")
	if isHTMLType(contentType) {
		return nil, &transfer.ContentError{URI: uri, Reason: "source returned an HTML page instead of the file"}
	}

	target := uri
	if resp.Request != nil && resp.Request.URL != nil {
		target = resp.Request.URL.String()
	}

	return &Resolved{
		URL:         target,
		Size:        declaredSize(resp),
		ContentType: contentType,
		Name:        fileName(resp),
		Shareable:   true,
	}, nil
}
