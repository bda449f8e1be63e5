package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"continuity-engine/internal/events"

	"github.com/rs/zerolog"
)

type capture struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]interface{}
}

func (c *capture) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestFromEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    events.Event
		severity Severity
		contains string
	}{
		{
			name:     "plan completed",
			event:    events.Event{Type: events.EventPlanCompleted, Data: map[string]interface{}{"subscriber_id": "sub-1", "plan_id": "p1", "accumulated_reward": "112"}},
			severity: SeverityInfo,
			contains: "sub-1 completed plan p1",
		},
		{
			name:     "final week short",
			event:    events.Event{Type: events.EventInsufficientFinalBalance, Data: map[string]interface{}{"subscriber_id": "sub-2", "plan_id": "p1", "observed_balance": "350", "required_balance": "400"}},
			severity: SeverityWarning,
			contains: "holds 350, needs 400",
		},
		{
			name:     "anomaly",
			event:    events.Event{Type: events.EventLedgerAnomaly, Data: map[string]interface{}{"entry_id": "e1", "category": "payout", "note": "unknown status"}},
			severity: SeverityWarning,
			contains: "unknown status",
		},
		{
			name:     "error",
			event:    events.Event{Type: events.EventError, Data: map[string]interface{}{"source": "chain", "message": "circuit open"}},
			severity: SeverityError,
			contains: "circuit open",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := FromEvent(tt.event)
			if n == nil {
				t.Fatal("expected a notification")
			}
			if n.Severity != tt.severity {
				t.Errorf("severity = %s, want %s", n.Severity, tt.severity)
			}
			if !strings.Contains(n.Message, tt.contains) {
				t.Errorf("message %q missing %q", n.Message, tt.contains)
			}
		})
	}

	if n := FromEvent(events.Event{Type: events.EventRewardAccrued}); n != nil {
		t.Errorf("routine events must not notify, got %+v", n)
	}
}

func TestTelegramNotifier_Send(t *testing.T) {
	var c capture
	srv := c.server(t, http.StatusOK)

	n := NewTelegramNotifier(TelegramConfig{BotToken: "tok", ChatID: "42", Enabled: true, BaseURL: srv.URL})
	err := n.Send(context.Background(), &Notification{Title: "Plan completed", Message: "done", Fields: map[string]string{"reward": "112"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if c.paths[0] != "/bottok/sendMessage" {
		t.Errorf("unexpected path %s", c.paths[0])
	}
	text, _ := c.bodies[0]["text"].(string)
	if !strings.Contains(text, "*Plan completed*") || !strings.Contains(text, "reward: `112`") {
		t.Errorf("unexpected text %q", text)
	}
	if c.bodies[0]["chat_id"] != "42" {
		t.Errorf("unexpected chat id %v", c.bodies[0]["chat_id"])
	}
}

func TestDiscordNotifier_StatusHandling(t *testing.T) {
	var ok capture
	okSrv := ok.server(t, http.StatusNoContent)
	d := NewDiscordNotifier(DiscordConfig{WebhookURL: okSrv.URL, Enabled: true})
	if err := d.Send(context.Background(), &Notification{Severity: SeverityError, Title: "x"}); err != nil {
		t.Fatalf("204 must be accepted: %v", err)
	}
	embeds := ok.bodies[0]["embeds"].([]interface{})
	if embeds[0].(map[string]interface{})["color"].(float64) != float64(0xFF0000) {
		t.Errorf("error severity must be red")
	}

	var bad capture
	badSrv := bad.server(t, http.StatusTooManyRequests)
	d = NewDiscordNotifier(DiscordConfig{WebhookURL: badSrv.URL, Enabled: true})
	if err := d.Send(context.Background(), &Notification{Title: "x"}); err == nil {
		t.Error("expected error for 429")
	}
}

func TestManager_SkipsDisabledNotifiers(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.AddNotifier(NewTelegramNotifier(TelegramConfig{Enabled: true}))
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{}))
	if m.Enabled() {
		t.Error("notifiers without credentials must not register")
	}
}

type failingNotifier struct{}

func (failingNotifier) Send(context.Context, *Notification) error { return errors.New("boom") }
func (failingNotifier) Name() string                              { return "failing" }
func (failingNotifier) IsEnabled() bool                           { return true }

func TestManager_AttachForwardsOperatorEvents(t *testing.T) {
	var c capture
	srv := c.server(t, http.StatusOK)

	m := NewManager(zerolog.Nop())
	m.AddNotifier(failingNotifier{})
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true}))

	bus := events.NewEventBus()
	m.Attach(bus)

	bus.PublishRewardAccrued("sub-1", 1, "2", "2")
	bus.PublishPlanCompleted("sub-1", "p1", "112")

	deadline := time.Now().Add(2 * time.Second)
	for c.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// allow a stray accrual send to surface if it were forwarded
	time.Sleep(50 * time.Millisecond)
	if got := c.count(); got != 1 {
		t.Fatalf("expected exactly one forwarded notification, got %d", got)
	}
}
