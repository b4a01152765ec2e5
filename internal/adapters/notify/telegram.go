// Package notify contains the Notifier adapters: a Telegram sender, a
// console reporter and a fan-out combinator. All of them are best effort;
// delivery failures are logged and never reach the trading path.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alejandrodnm/spotbot/internal/ports"
)

const (
	telegramQueueSize = 64
	telegramTimeout   = 10 * time.Second
)

// Telegram sends alerts through the Bot API from a background worker. The
// queue is bounded; when it is full new messages are dropped and counted
// rather than blocking the caller.
type Telegram struct {
	token  string
	chatID string
	http   *http.Client
	queue  chan string
}

// NewTelegram creates the sender and starts its worker. The worker drains
// until ctx is cancelled.
func NewTelegram(ctx context.Context, token, chatID string) *Telegram {
	t := &Telegram{
		token:  token,
		chatID: chatID,
		http:   &http.Client{Timeout: telegramTimeout},
		queue:  make(chan string, telegramQueueSize),
	}
	go t.worker(ctx)
	return t
}

// Notify enqueues the message. Never blocks.
func (t *Telegram) Notify(_ context.Context, text string) {
	select {
	case t.queue <- text:
	default:
		slog.Warn("telegram queue full, dropping message", "text", truncate(text, 60))
	}
}

func (t *Telegram) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-t.queue:
			if err := t.send(ctx, text); err != nil {
				slog.Warn("telegram send failed", "error", err)
			}
		}
	}
}

func (t *Telegram) send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Fanout delivers each message to every configured notifier.
type Fanout []ports.Notifier

func (f Fanout) Notify(ctx context.Context, text string) {
	for _, n := range f {
		n.Notify(ctx, text)
	}
}
