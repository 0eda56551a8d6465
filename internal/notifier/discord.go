package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/transfer"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Message renders a job result as a chat message.
func Message(res transfer.Result) string {
	if !res.Success {
		msg := "❌ Transfer " + res.JobID + " failed"
		if res.Error != nil {
			msg += fmt.Sprintf(" [%s]: %s", res.Error.Tag, res.Error.Message)

			if res.Error.Remediation != "" {
				msg += "\n" + res.Error.Remediation
			}
		}

		return msg
	}

	var b strings.Builder

	b.WriteString("✅ Transfer " + res.JobID + " published via " + res.Strategy)

	if res.RemoteMediaID != "" {
		b.WriteString(" (media " + res.RemoteMediaID + ")")
	}

	if res.RemotePostID != "" {
		b.WriteString(" post " + res.RemotePostID)
	}

	if res.Degraded {
		b.WriteString(" ⚠️ degraded")
	}

	return b.String()
}

// Forward sends a notification for every result on finished and failed until
// both channels are closed. A nil notifier only logs.
func Forward(ctx context.Context, n Notifier, finished, failed <-chan transfer.Result) {
	logger := logctx.LoggerFromContext(ctx)

	for finished != nil || failed != nil {
		var (
			res transfer.Result
			ok  bool
		)

		select {
		case res, ok = <-finished:
			if !ok {
				finished = nil

				continue
			}

			logger.Info("transfer finished", "job_id", res.JobID, "strategy", res.Strategy, "degraded", res.Degraded)
		case res, ok = <-failed:
			if !ok {
				failed = nil

				continue
			}

			var tag transfer.Tag
			if res.Error != nil {
				tag = res.Error.Tag
			}

			logger.Error("transfer failed", "job_id", res.JobID, "tag", tag)
		}

		if n == nil {
			continue
		}

		if err := n.Notify(ctx, Message(res)); err != nil {
			logger.Error("failed to send notification", "job_id", res.JobID, "err", err)
		}
	}
}
