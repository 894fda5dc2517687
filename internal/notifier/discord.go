package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/hub_downloader/internal/events"
	"github.com/italolelis/hub_downloader/internal/transfer"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{WebhookURL: webhookURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return errors.New("webhook URL is not set")
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
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

// EventNotifier turns finished-task events into notifications. Other events are ignored.
type EventNotifier struct {
	notifier Notifier
}

func NewEventNotifier(n Notifier) *EventNotifier {
	return &EventNotifier{notifier: n}
}

func (e *EventNotifier) Publish(ctx context.Context, name string, p events.Payload) error {
	content, ok := message(name, p)
	if !ok {
		return nil
	}

	return e.notifier.Notify(ctx, content)
}

func message(name string, p events.Payload) (string, bool) {
	repo := p.Repo.ID
	if p.Repo.Revision != "" {
		repo += "@" + p.Repo.Revision
	}

	switch name {
	case events.TaskCompleted:
		return fmt.Sprintf("Download finished: %s (%s)", repo, humanize.IBytes(uint64(max(p.Transferred, 0)))), true
	case events.TaskFailed:
		if p.Status != transfer.StatusFailed || p.RetryAt != nil {
			return "", false
		}

		msg := fmt.Sprintf("Download failed: %s", repo)
		if p.Error != nil {
			msg += "\nError: " + p.Error.Message
			if p.Error.Remediation != "" {
				msg += "\nSuggested fix: " + p.Error.Remediation
			}
		}

		return msg, true
	}

	return "", false
}
