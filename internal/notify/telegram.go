package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"
)

// telegramAPI is the Bot API root.
const telegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts to a chat through the Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for a bot token and chat ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// telegramResponse is the Bot API envelope. Parameters carries retry_after
// on 429.
type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send posts title and message with HTML formatting. Backtick-quoted spans
// in message, used for addresses, become <code> blocks.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	body, err := json.Marshal(telegramMessage{
		ChatID:                t.chatID,
		Text:                  "<b>" + html.EscapeString(title) + "</b>\n" + telegramHTML(message),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := t.apiBase + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The request URL carries the bot token; keep it out of logs.
		return fmt.Errorf("telegram: send: %w", redactToken(err, t.token))
	}
	defer resp.Body.Close()

	var out telegramResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode/100 == 2 && out.OK {
		return nil
	}
	if out.Parameters.RetryAfter > 0 {
		return fmt.Errorf("telegram: rate limited, retry after %ds", out.Parameters.RetryAfter)
	}
	if out.Description != "" {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, out.Description)
	}
	return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string { return "telegram" }

// telegramHTML escapes s and turns `x` spans into <code>x</code>.
func telegramHTML(s string) string {
	parts := strings.Split(html.EscapeString(s), "`")
	var b strings.Builder
	for i, p := range parts {
		switch {
		case i%2 == 1 && i < len(parts)-1:
			b.WriteString("<code>" + p + "</code>")
		case i%2 == 1:
			b.WriteString("`" + p)
		default:
			b.WriteString(p)
		}
	}
	return b.String()
}

func redactToken(err error, token string) error {
	if token == "" {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), token, "***"))
}
