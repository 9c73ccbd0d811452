package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Webhook POSTs each event as JSON to a fixed URL.
type Webhook struct {
	client *resty.Client
	url    string
}

func NewWebhook(url string) *Webhook {
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)

	return &Webhook{client: client, url: url}
}

func (w *Webhook) Notify(ctx context.Context, event Event) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(event).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", event.Kind, err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook %s: unexpected status %d", event.Kind, resp.StatusCode())
	}
	return nil
}
