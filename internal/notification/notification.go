// Package notification pushes operator alerts to chat webhooks. Every
// safety-critical engine event is forwarded; closed trades are optional.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/events"
	"quant-trading-engine/internal/retry"
)

// Severity of a notification
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityCritical Severity = "critical"
)

// Notification represents a notification message
type Notification struct {
	Severity   Severity
	Title      string
	Message    string
	StrategyID int64
	Instrument string
	PnL        float64
	Timestamp  time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
}

// Manager forwards bus events to every configured notifier
type Manager struct {
	notifiers     []Notifier
	tradeClosures bool
	policy        retry.Policy
	timeout       time.Duration
	logger        zerolog.Logger
}

// NewManager builds the notifiers named in cfg. It returns nil when
// notifications are disabled or nothing is configured.
func NewManager(cfg config.NotificationConfig, logger zerolog.Logger) *Manager {
	if !cfg.Enabled {
		return nil
	}
	m := &Manager{
		tradeClosures: cfg.TradeClosures,
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			Factor:      2,
			Timeout:     10 * time.Second,
		},
		timeout: 45 * time.Second,
		logger:  logger.With().Str("component", "notification").Logger(),
	}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	}
	if cfg.Discord.WebhookURL != "" {
		m.AddNotifier(NewDiscordNotifier(cfg.Discord))
	}
	if len(m.notifiers) == 0 {
		m.logger.Warn().Msg("Notifications enabled but no provider configured")
		return nil
	}
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Attach subscribes the manager to the bus. Safe on a nil manager.
func (m *Manager) Attach(bus *events.EventBus) {
	if m == nil || bus == nil {
		return
	}
	bus.SubscribeAll(func(ev events.Event) {
		n, ok := m.fromEvent(ev)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.Send(ctx, n); err != nil {
			m.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("Failed to deliver notification")
		}
	})
}

// Send delivers to every provider, retrying each independently
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	var lastErr error
	for _, p := range m.notifiers {
		p := p
		err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
			return p.Send(ctx, n)
		})
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	return lastErr
}

func (m *Manager) fromEvent(ev events.Event) (*Notification, bool) {
	switch {
	case events.IsSafety(ev.Type):
		return &Notification{
			Severity:   SeverityCritical,
			Title:      string(ev.Type),
			Message:    describe(ev),
			StrategyID: ev.StrategyID,
			Instrument: ev.Instrument,
			Timestamp:  ev.Timestamp,
		}, true
	case m.tradeClosures && ev.Type == events.EventTradeClosed:
		pnl, _ := ev.Data["pnl"].(float64)
		return &Notification{
			Severity:   SeverityInfo,
			Title:      "TRADE_CLOSED",
			Message:    describe(ev),
			StrategyID: ev.StrategyID,
			Instrument: ev.Instrument,
			PnL:        pnl,
			Timestamp:  ev.Timestamp,
		}, true
	}
	return nil, false
}

// describe renders event data as sorted key: value lines
func describe(ev events.Event) string {
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if ev.StrategyID != 0 {
		fmt.Fprintf(&b, "strategy: %d\n", ev.StrategyID)
	}
	if ev.Instrument != "" {
		fmt.Fprintf(&b, "instrument: %s\n", ev.Instrument)
	}
	for _, k := range keys {
		v := ev.Data[k]
		if f, ok := v.(float64); ok {
			fmt.Fprintf(&b, "%s: %.4f\n", k, f)
			continue
		}
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	return strings.TrimRight(b.String(), "\n")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via the Telegram bot API
type TelegramNotifier struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		baseURL:  "https://api.telegram.org",
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	prefix := "ℹ️"
	if n.Severity == SeverityCritical {
		prefix = "🚨"
	}
	// Plain text: event data carries underscores that Markdown would eat
	return postJSON(ctx, t.client, fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken), map[string]interface{}{
		"chat_id": t.chatID,
		"text":    fmt.Sprintf("%s %s\n\n%s", prefix, n.Title, n.Message),
	})
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Send(ctx context.Context, n *Notification) error {
	color := 0x00FF00 // Green
	if n.Severity == SeverityCritical || n.PnL < 0 {
		color = 0xFF0000 // Red
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
	}
	if !n.Timestamp.IsZero() {
		embed["timestamp"] = n.Timestamp.Format(time.RFC3339)
	}
	return postJSON(ctx, d.client, d.webhookURL, map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
}
