// Package notify delivers operator alerts, such as liquidations and
// positions entering limbo, to Telegram and Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// sendTimeout bounds one sender's delivery so a slow webhook cannot stall
// the settlement path.
const sendTimeout = 5 * time.Second

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Alert is one rendered notification. Key identifies the subject, usually a
// position address, for cooldown purposes.
type Alert struct {
	Event   string
	Key     string
	Title   string
	Message string
}

// Option customises a Notifier.
type Option func(*Notifier)

// WithCooldown suppresses an alert when the same event for the same key was
// delivered less than d ago. Positions flapping around the limbo threshold
// would otherwise page on every monitor tick.
func WithCooldown(d time.Duration) Option {
	return func(n *Notifier) { n.cooldown = d }
}

// Notifier fans an alert out to every sender concurrently.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	sent map[string]time.Time // event|key -> last delivery
}

// NewNotifier creates a Notifier. Only alerts whose event is listed are
// delivered; an empty list allows all.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger, opts ...Option) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	n := &Notifier{
		senders: senders,
		events:  allowed,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "notifier")),
		sent:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify delivers a to every sender. Filtered and cooled-down alerts return
// nil. A failing sender does not stop the others; their errors are joined.
func (n *Notifier) Notify(ctx context.Context, a Alert) error {
	if !n.Enabled() || a.Event == "" {
		return nil
	}
	if len(n.events) > 0 && !n.events[a.Event] {
		return nil
	}
	if !n.claim(a) {
		n.logger.DebugContext(ctx, "notify: suppressed by cooldown",
			slog.String("event", a.Event),
			slog.String("key", a.Key),
		)
		return nil
	}

	errs := make([]error, len(n.senders))
	var wg sync.WaitGroup
	for i, s := range n.senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()
			if err := s.Send(sctx, a.Title, a.Message); err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
			}
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		n.release(a)
		return fmt.Errorf("notify: %s: %w", a.Event, err)
	}
	n.logger.DebugContext(ctx, "notify: delivered",
		slog.String("event", a.Event),
		slog.String("key", a.Key),
		slog.Int("senders", len(n.senders)),
	)
	return nil
}

// claim records a delivery attempt and reports whether it is outside the
// cooldown window.
func (n *Notifier) claim(a Alert) bool {
	if n.cooldown <= 0 || a.Key == "" {
		return true
	}
	k := a.Event + "|" + a.Key
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.sent[k]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	for key, at := range n.sent {
		if now.Sub(at) >= n.cooldown {
			delete(n.sent, key)
		}
	}
	n.sent[k] = now
	return true
}

// release forgets a failed delivery so the next attempt is not suppressed.
func (n *Notifier) release(a Alert) {
	if n.cooldown <= 0 || a.Key == "" {
		return
	}
	n.mu.Lock()
	delete(n.sent, a.Event+"|"+a.Key)
	n.mu.Unlock()
}
