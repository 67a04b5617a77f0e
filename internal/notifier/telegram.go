package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/go-resty/resty/v2"
)

const DefaultTelegramURL = "https://api.telegram.org"

type TelegramNotifier struct {
	Token  string
	ChatID string

	client *resty.Client
	retry  failsafe.Executor[any]
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return NewTelegramNotifierWithURL(DefaultTelegramURL, token, chatID)
}

// NewTelegramNotifierWithURL points the notifier at a Bot API compatible host.
func NewTelegramNotifierWithURL(baseURL, token, chatID string) *TelegramNotifier {
	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		Build()
	return &TelegramNotifier{
		Token:  token,
		ChatID: chatID,
		client: resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second),
		retry:  failsafe.With[any](policy),
	}
}

// Send posts the message, retrying transient failures a few times.
func (t *TelegramNotifier) Send(ctx context.Context, message string) error {
	return t.retry.WithContext(ctx).Run(func() error {
		return t.send(ctx, message)
	})
}

func (t *TelegramNotifier) send(ctx context.Context, message string) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id": t.ChatID,
			"text":    message,
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.Token))
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status())
	}
	return nil
}
