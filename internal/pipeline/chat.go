package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"readyline/internal/config"
)

const defaultChatTimeout = 5 * time.Second

// WebhookChat posts chat messages to a configured webhook URL. It implements
// ChatNotifier; the pipeline dispatches it without awaiting.
type WebhookChat struct {
	cfg    config.ChatConfig
	client *http.Client
}

func NewWebhookChat(cfg config.ChatConfig) *WebhookChat {
	timeout := defaultChatTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &WebhookChat{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (c *WebhookChat) Notify(ctx context.Context, msg ChatMessage) error {
	if msg.Channel == "" {
		msg.Channel = c.cfg.Channel
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.Secret) != "" {
		req.Header.Set("X-Readyline-Secret", c.cfg.Secret)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
