package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/comfygate/comfygate/pkg/log"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
)

const defaultUserAgent = "comfygate-webhook/1.0"

// Payload is the body posted to a generation's webhook when it
// reaches a terminal state.
type Payload struct {
	GenerationID string         `json:"generation_id"`
	UserID       string         `json:"user_id"`
	DeviceID     string         `json:"device_id,omitempty"`
	Status       string         `json:"status"`
	Credits      int64          `json:"credits,omitempty"`
	Result       datatypes.JSON `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// Notifier posts terminal generation payloads to caller-supplied
// webhook URLs.
type Notifier struct {
	client    *http.Client
	userAgent string
}

func New(client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{client: client, userAgent: defaultUserAgent}
}

// Notify delivers one payload. A non-2xx response is an error; the
// caller decides whether to log or retry.
func (n *Notifier) Notify(ctx context.Context, url string, p Payload) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("webhook url is empty")
	}

	if p.CompletedAt.IsZero() {
		p.CompletedAt = time.Now().UTC()
	}

	body, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "failed to encode webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook delivery failure")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("webhook responded %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// NotifyAsync fires Notify on its own goroutine, logging any failure.
// Terminal state reporting never blocks on a slow webhook endpoint.
func (n *Notifier) NotifyAsync(url string, p Payload) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := n.Notify(ctx, url, p); err != nil {
			log.Warn("webhook notification failure",
				"generation_id", p.GenerationID,
				"url", url,
				"error", err,
			)
		}
	}()
}
