package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiplashfi/whiplash/internal/domain"
)

type recordingSender struct {
	name   string
	err    error
	mu     sync.Mutex
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func alert(event, key, title string) Alert {
	return Alert{Event: event, Key: key, Title: title, Message: "m"}
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventLiquidation, " limbo ", ""}, discardLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, alert(EventLiquidation, "p1", "a")))
	require.NoError(t, n.Notify(ctx, alert(EventLimbo, "p1", "b")))
	require.NoError(t, n.Notify(ctx, alert(EventRecovered, "p1", "c")))
	require.NoError(t, n.Notify(ctx, alert("", "p1", "d")))

	assert.Equal(t, []string{"a", "b"}, s.sent())
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &recordingSender{name: "ok"}
	bad := &recordingSender{name: "bad", err: boom}
	n := NewNotifier([]Sender{bad, ok}, nil, discardLogger())

	err := n.Notify(context.Background(), alert(EventLimbo, "p1", "t"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, ok.sent(), 1, "a failing sender must not block the others")
}

func TestNotifierCooldown(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, discardLogger(), WithCooldown(time.Minute))
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, alert(EventLimbo, "p1", "first")))
	require.NoError(t, n.Notify(ctx, alert(EventLimbo, "p1", "repeat")))
	require.NoError(t, n.Notify(ctx, alert(EventLimbo, "p2", "other key")))
	require.NoError(t, n.Notify(ctx, alert(EventRecovered, "p1", "other event")))

	now = now.Add(time.Minute)
	require.NoError(t, n.Notify(ctx, alert(EventLimbo, "p1", "after cooldown")))

	assert.Equal(t, []string{"first", "other key", "other event", "after cooldown"}, s.sent())
}

func TestNotifierFailedDeliveryIsRetried(t *testing.T) {
	s := &recordingSender{name: "rec", err: errors.New("down")}
	n := NewNotifier([]Sender{s}, nil, discardLogger(), WithCooldown(time.Hour))
	ctx := context.Background()

	require.Error(t, n.Notify(ctx, alert(EventLiquidation, "p1", "t")))
	s.err = nil
	require.NoError(t, n.Notify(ctx, alert(EventLiquidation, "p1", "t")))
	assert.Len(t, s.sent(), 2)
}

func TestNilNotifierIsDisabled(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), alert(EventLimbo, "p", "t")))
}

func TestPositionTransition(t *testing.T) {
	evt := domain.PositionEvent{
		Position: solana.NewWallet().PublicKey(),
		Owner:    solana.NewWallet().PublicKey(),
		From:     domain.PositionLiquidationEligible,
		To:       domain.PositionLimbo,
		Output:   10,
		Borrowed: 20,
		At:       time.Now(),
	}
	a, ok := PositionTransition(evt)
	require.True(t, ok)
	assert.Equal(t, EventLimbo, a.Event)
	assert.Equal(t, evt.Position.String(), a.Key)
	assert.Equal(t, "Position entered limbo", a.Title)
	assert.Contains(t, a.Message, evt.Position.String())
	assert.Contains(t, a.Message, "output 10 / borrowed 20")

	evt.From, evt.To = domain.PositionLimbo, domain.PositionHealthy
	a, ok = PositionTransition(evt)
	require.True(t, ok)
	assert.Equal(t, EventRecovered, a.Event)

	evt.From, evt.To = domain.PositionHealthy, domain.PositionHealthy
	_, ok = PositionTransition(evt)
	assert.False(t, ok)
}

func TestLiquidationFormatsSolPayout(t *testing.T) {
	s := domain.Settlement{
		Kind:     domain.SettlementLiquidate,
		Position: solana.NewWallet().PublicKey(),
		Actor:    solana.NewWallet().PublicKey(),
		Side:     "sell",
		Borrowed: 4_000_000_000,
		Payout:   1_250_000_000,
	}
	a := Liquidation(s, solana.NewWallet().PublicKey())
	assert.Equal(t, EventLiquidation, a.Event)
	assert.Equal(t, s.Position.String(), a.Key)
	assert.Equal(t, "Position liquidated", a.Title)
	assert.Contains(t, a.Message, "paid out 1.25 SOL")

	s.Side, s.Payout = "buy", 777
	assert.Contains(t, Liquidation(s, solana.NewWallet().PublicKey()).Message, "paid out 777 tokens")
}

func TestDiscordSenderPostsEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	require.NoError(t, d.Send(context.Background(), "Position liquidated", "body"))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "body", got.Embeds[0].Description)
	assert.NotNil(t, got.AllowedMentions.Parse, "mentions must be explicitly disabled")
	assert.Equal(t, colorAlert, got.Embeds[0].Color)
}

func TestDiscordSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestDiscordSenderRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":1.5,"global":false}`))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL + "/api/webhooks/1/secret").Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry after 1.5s")
}

func TestDiscordLimits(t *testing.T) {
	long := strings.Repeat("é", discordTitleMax+10)
	got := truncate(long, discordTitleMax)
	assert.Equal(t, discordTitleMax, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Equal(t, "short", truncate("short", discordTitleMax))

	assert.Equal(t, "tok", webhookSecret("https://discord.com/api/webhooks/123/tok"))
	assert.Equal(t, "", webhookSecret("http://127.0.0.1:4000"))
}

func TestTelegramSenderUsesBotPath(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegramSender("TOKEN", "42")
	tg.apiBase = srv.URL
	require.NoError(t, tg.Send(context.Background(), "Position <limbo>", "position `abc`\nratio 1 < 2"))

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "HTML", body["parse_mode"])
	assert.Equal(t, "<b>Position &lt;limbo&gt;</b>\nposition <code>abc</code>\nratio 1 &lt; 2", body["text"])
}

func TestTelegramSenderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Too Many Requests","parameters":{"retry_after":7}}`))
	}))
	defer srv.Close()

	tg := NewTelegramSender("TOKEN", "42")
	tg.apiBase = srv.URL
	err := tg.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry after 7s")

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer bad.Close()
	tg.apiBase = bad.URL
	err = tg.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramHTML(t *testing.T) {
	assert.Equal(t, "a <code>b</code> c", telegramHTML("a `b` c"))
	assert.Equal(t, "a `b", telegramHTML("a `b"))
	assert.Equal(t, "&amp;", telegramHTML("&"))
}
