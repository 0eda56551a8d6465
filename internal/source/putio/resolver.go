// Package putio resolves putio://<file id> sources through the put.io API.
package putio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/source"
	"github.com/italolelis/video_relay/internal/transfer"
	"github.com/putdotio/go-putio"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const scheme = "putio://"

type Resolver struct {
	putioClient *putio.Client
}

// NewResolver creates a resolver authenticated with token.
func NewResolver(token string) *Resolver {
	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	return &Resolver{putioClient: putio.NewClient(httpClient)}
}

func (r *Resolver) Name() string { return "putio" }

func (r *Resolver) Applies(uri string) bool {
	return strings.HasPrefix(uri, scheme)
}

// Resolve looks the file up and asks put.io for a signed download URL.
func (r *Resolver) Resolve(ctx context.Context, uri string) (*source.Resolved, error) {
	logger := logctx.LoggerFromContext(ctx)

	id, err := strconv.ParseInt(strings.TrimPrefix(uri, scheme), 10, 64)
	if err != nil {
		return nil, &transfer.ContentError{URI: uri, Reason: "put.io source must be putio://<file id>", Err: err}
	}

	file, err := r.putioClient.Files.Get(ctx, id)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get file", "file_id", id, "err", err)

		return nil, apiError(uri, err)
	}

	if file.IsDir() {
		return nil, &transfer.ContentError{URI: uri, Reason: "source is a folder, not a video file"}
	}

	url, err := r.putioClient.Files.URL(ctx, id, false)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get file download url", "file_id", id, "err", err)

		return nil, apiError(uri, err)
	}

	return &source.Resolved{
		URL:         url,
		Size:        file.Size,
		ContentType: file.ContentType,
		Name:        file.Name,
	}, nil
}

// Authenticate checks the token against the account endpoint.
func (r *Resolver) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with Put.io")

	user, err := r.putioClient.Account.Info(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		return fmt.Errorf("failed to get account info: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

func apiError(uri string, err error) error {
	var apiErr *putio.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		return &transfer.AccessError{
			URI:        uri,
			StatusCode: apiErr.Response.StatusCode,
			Reason:     apiErr.Message,
			Err:        err,
		}
	}

	return &transfer.AccessError{URI: uri, Reason: "put.io request failed", Err: err}
}
