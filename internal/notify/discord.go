package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Discord embed limits, in characters.
const (
	discordTitleMax       = 256
	discordDescriptionMax = 4096
)

// Embed colours by alert severity.
const (
	colorAlert = 0xE74C3C
	colorWarn  = 0xF1C40F
	colorOK    = 0x2ECC71
)

// DiscordSender posts alerts as embeds to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a DiscordSender for a webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordMentions struct {
	Parse []string `json:"parse"`
}

type discordPayload struct {
	Username        string          `json:"username,omitempty"`
	Embeds          []discordEmbed  `json:"embeds"`
	AllowedMentions discordMentions `json:"allowed_mentions"`
}

// discordError is the body Discord returns on 4xx. RetryAfter is seconds.
type discordError struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
}

func embedColor(title string) int {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "liquidat"):
		return colorAlert
	case strings.Contains(t, "limbo"):
		return colorWarn
	}
	return colorOK
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// Send posts one embed. Mentions in the text are never resolved, so an
// alert cannot ping @everyone.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	body, err := json.Marshal(discordPayload{
		Username: "whiplash",
		Embeds: []discordEmbed{{
			Title:       truncate(title, discordTitleMax),
			Description: truncate(message, discordDescriptionMax),
			Color:       embedColor(title),
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
		AllowedMentions: discordMentions{Parse: []string{}},
	})
	if err != nil {
		return fmt.Errorf("discord: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send: %w", redactToken(err, webhookSecret(d.webhookURL)))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var de discordError
	if json.Unmarshal(raw, &de) == nil && de.Message != "" {
		if de.RetryAfter > 0 {
			return fmt.Errorf("discord: status %d: %s (retry after %.1fs)", resp.StatusCode, de.Message, de.RetryAfter)
		}
		return fmt.Errorf("discord: status %d: %s", resp.StatusCode, de.Message)
	}
	return fmt.Errorf("discord: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

// webhookSecret is the token segment of a webhook URL such as
// /api/webhooks/{id}/{token}.
func webhookSecret(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-1]
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
