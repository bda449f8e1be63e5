// Package notification forwards operator-relevant engine events to chat
// webhooks.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"continuity-engine/internal/events"

	"github.com/rs/zerolog"
)

// Severity colours the message where the provider supports it.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification represents a notification message
type Notification struct {
	Severity  Severity
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled provider.
type Manager struct {
	notifiers []Notifier
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		timeout: 10 * time.Second,
		logger:  logger.With().Str("component", "Notification").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	if n.IsEnabled() {
		m.notifiers = append(m.notifiers, n)
	}
}

// Enabled reports whether any provider is configured.
func (m *Manager) Enabled() bool {
	return len(m.notifiers) > 0
}

// Send sends to all providers and returns the last error.
func (m *Manager) Send(ctx context.Context, notification *Notification) error {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, notification); err != nil {
			m.logger.Warn().Err(err).Str("notifier", n.Name()).Str("title", notification.Title).Msg("Notification failed")
			lastErr = err
		}
	}
	return lastErr
}

// FromEvent maps an event to an operator notification. Routine events such
// as accruals and week records yield nil.
func FromEvent(e events.Event) *Notification {
	str := func(key string) string {
		if v, ok := e.Data[key]; ok {
			return fmt.Sprint(v)
		}
		return ""
	}

	n := &Notification{Timestamp: e.Timestamp, Fields: map[string]string{}}
	switch e.Type {
	case events.EventPlanCompleted:
		n.Severity = SeverityInfo
		n.Title = "Plan completed"
		n.Message = fmt.Sprintf("Subscriber %s completed plan %s", str("subscriber_id"), str("plan_id"))
		n.Fields["accumulated_reward"] = str("accumulated_reward")
	case events.EventInsufficientFinalBalance:
		n.Severity = SeverityWarning
		n.Title = "Final week short"
		n.Message = fmt.Sprintf("Subscriber %s holds %s, needs %s to complete plan %s",
			str("subscriber_id"), str("observed_balance"), str("required_balance"), str("plan_id"))
	case events.EventLedgerAnomaly:
		n.Severity = SeverityWarning
		n.Title = "Ledger anomaly"
		n.Message = fmt.Sprintf("Entry %s (%s): %s", str("entry_id"), str("category"), str("note"))
		n.Fields["tx_hash"] = str("tx_hash")
	case events.EventError:
		n.Severity = SeverityError
		n.Title = fmt.Sprintf("Error in %s", str("source"))
		n.Message = str("message")
		if detail := str("error"); detail != "" {
			n.Fields["error"] = detail
		}
	default:
		return nil
	}
	return n
}

// Attach subscribes the manager to the bus. Sends run on the bus goroutine
// and are bounded by the manager's timeout.
func (m *Manager) Attach(bus *events.EventBus) {
	if !m.Enabled() {
		return
	}
	bus.SubscribeAll(func(e events.Event) {
		n := FromEvent(e)
		if n == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		_ = m.Send(ctx, n)
	})
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	// BaseURL overrides https://api.telegram.org
	BaseURL string
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	base := config.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		baseURL:  base,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)
	for k, v := range notification.Fields {
		message += fmt.Sprintf("\n%s: `%s`", k, v)
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	resp, err := postJSON(ctx, t.client, url, payload)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	switch notification.Severity {
	case SeverityWarning:
		color = 0xFFA500
	case SeverityError:
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}
	if len(notification.Fields) > 0 {
		fields := make([]map[string]interface{}, 0, len(notification.Fields))
		for k, v := range notification.Fields {
			fields = append(fields, map[string]interface{}{"name": k, "value": v, "inline": true})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	resp, err := postJSON(ctx, d.client, d.webhookURL, payload)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
