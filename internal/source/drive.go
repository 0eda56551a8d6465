package source

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/transfer"
	"golang.org/x/net/html"
)

const (
	maxInterstitialBytes = 2 * 1024 * 1024
	maxConfirmHops       = 3
)

var (
	scanWarnings = []string{"virus scan", "can't scan", "cannot scan", "too large for google to scan"}
	quotaNotices = []string{"too many users have viewed or downloaded", "download quota"}
)

// DriveResolver handles drive-style sharing links whose large files sit behind a
// virus-scan confirmation page.
type DriveResolver struct {
	Client *http.Client
	// BaseURL serves the export endpoint, ContentURL the bypass endpoint.
	BaseURL    string
	ContentURL string
	// Hosts are matched against link hosts. Raw ids always apply.
	Hosts []string
}

// NewDriveResolver creates a resolver for the given endpoints.
func NewDriveResolver(client *http.Client, baseURL, contentURL string) *DriveResolver {
	return &DriveResolver{
		Client:     client,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ContentURL: strings.TrimRight(contentURL, "/"),
		Hosts:      []string{"drive.google.com", "docs.google.com", "drive.usercontent.google.com"},
	}
}

func (d *DriveResolver) Name() string { return "drive" }

func (d *DriveResolver) Applies(uri string) bool {
	if rawIDPattern.MatchString(strings.TrimSpace(uri)) {
		return true
	}

	u, err := url.Parse(uri)
	if err != nil {
		return false
	}

	for _, h := range d.Hosts {
		if strings.EqualFold(u.Host, h) {
			return true
		}
	}

	return false
}

// Resolve probes the export URL and follows confirmation pages until the host
// serves binary content.
func (d *DriveResolver) Resolve(ctx context.Context, uri string) (*Resolved, error) {
	logger := logctx.LoggerFromContext(ctx).With("resolver", d.Name())

	id, err := ExtractFileID(uri)
	if err != nil {
		return nil, err
	}

	target := d.BaseURL + "/uc?" + url.Values{"export": {"download"}, "id": {id}}.Encode()

	for hop := 0; hop < maxConfirmHops; hop++ {
		resp, err := probe(ctx, d.Client, target, nil)
		if err != nil {
			return nil, err
		}

		if !isHTMLType(resp.Header.Get("Content-Type")) {
			drain(resp.Body)

			return &Resolved{
				URL:         target,
				Size:        declaredSize(resp),
				ContentType: resp.Header.Get("Content-Type"),
				Name:        fileName(resp),
				Shareable:   IsHTTP(uri),
			}, nil
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxInterstitialBytes))
		_ = resp.Body.Close()

		if err != nil {
			return nil, transportError(target, err)
		}

		next, err := d.confirm(uri, id, resp.Request.URL, body)
		if err != nil {
			return nil, err
		}

		logger.Debug("followed confirmation page", "hop", hop+1, "file_id", id)

		target = next
	}

	return nil, &transfer.ContentError{URI: uri, Reason: "confirmation page could not be bypassed"}
}

// confirm inspects an interstitial page and returns the URL that serves the file.
func (d *DriveResolver) confirm(uri, id string, base *url.URL, body []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", &transfer.ContentError{URI: uri, Reason: "unreadable HTML page", Err: err}
	}

	page := inspectPage(doc)

	switch {
	case page.login:
		return "", &transfer.ContentError{URI: uri, Reason: "source requires sign-in; it must be shared publicly"}
	case page.mentions(quotaNotices...):
		return "", &transfer.AccessError{URI: uri, StatusCode: http.StatusTooManyRequests, Reason: "download quota exceeded"}
	}

	if f := page.downloadForm(); f != nil {
		action, err := base.Parse(f.action)
		if err == nil {
			q := action.Query()
			for k, v := range f.inputs {
				q.Set(k, v)
			}

			if q.Get("id") == "" {
				q.Set("id", id)
			}

			action.RawQuery = q.Encode()

			return action.String(), nil
		}
	}

	for _, href := range page.links {
		if !strings.Contains(href, "confirm=") {
			continue
		}

		if link, err := base.Parse(href); err == nil {
			return link.String(), nil
		}
	}

	if page.mentions(scanWarnings...) {
		return d.ContentURL + "/download?" + url.Values{
			"id":      {id},
			"export":  {"download"},
			"confirm": {"t"},
		}.Encode(), nil
	}

	return "", &transfer.ContentError{URI: uri, Reason: "source returned an HTML page instead of the file"}
}

type htmlForm struct {
	id     string
	action string
	inputs map[string]string
}

type htmlPage struct {
	text  string
	login bool
	forms []*htmlForm
	links []string
}

func (p *htmlPage) mentions(phrases ...string) bool {
	for _, phrase := range phrases {
		if strings.Contains(p.text, phrase) {
			return true
		}
	}

	return false
}

// downloadForm returns the form carrying the confirmation token.
func (p *htmlPage) downloadForm() *htmlForm {
	for _, f := range p.forms {
		if f.id == "download-form" || f.inputs["confirm"] != "" || f.inputs["uuid"] != "" {
			return f
		}
	}

	return nil
}

func inspectPage(doc *html.Node) *htmlPage {
	page := &htmlPage{}

	var (
		text    strings.Builder
		current *htmlForm
		walk    func(n *html.Node)
	)

	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			text.WriteString(strings.ToLower(n.Data))
			text.WriteByte(' ')
		case html.ElementNode:
			switch n.Data {
			case "script", "style":
				return
			case "form":
				current = &htmlForm{id: attr(n, "id"), action: attr(n, "action"), inputs: map[string]string{}}
				page.forms = append(page.forms, current)

				action := strings.ToLower(current.action)
				if strings.Contains(action, "accounts.google.com") || strings.Contains(action, "servicelogin") {
					page.login = true
				}
			case "input":
				if strings.EqualFold(attr(n, "type"), "password") {
					page.login = true
				}

				if current != nil && attr(n, "name") != "" {
					current.inputs[attr(n, "name")] = attr(n, "value")
				}
			case "a":
				if href := attr(n, "href"); href != "" {
					page.links = append(page.links, href)
				}
			case "title":
				if n.FirstChild != nil && strings.Contains(strings.ToLower(n.FirstChild.Data), "sign in") {
					page.login = true
				}
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}

		if n.Type == html.ElementNode && n.Data == "form" {
			current = nil
		}
	}

	walk(doc)

	// apostrophes render as either form
	page.text = strings.ReplaceAll(text.String(), "’", "'")

	return page
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}

	return ""
}
