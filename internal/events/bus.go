package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventWeekRecorded             EventType = "WEEK_RECORDED"
	EventPlanCompleted            EventType = "PLAN_COMPLETED"
	EventInsufficientFinalBalance EventType = "INSUFFICIENT_FINAL_BALANCE"
	EventRewardAccrued            EventType = "REWARD_ACCRUED"
	EventBalanceDegraded          EventType = "BALANCE_DEGRADED"
	EventLedgerEntrySettled       EventType = "LEDGER_ENTRY_SETTLED"
	EventLedgerAnomaly            EventType = "LEDGER_ANOMALY"
	EventSweepFinished            EventType = "SWEEP_FINISHED"
	EventError                    EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their own
// goroutines and never block the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishWeekRecorded publishes a weekly ledger write
func (eb *EventBus) PublishWeekRecorded(subscriberID string, weekNumber int, observed, required string, passed bool) {
	eb.Publish(Event{
		Type: EventWeekRecorded,
		Data: map[string]interface{}{
			"subscriber_id":    subscriberID,
			"week_number":      weekNumber,
			"observed_balance": observed,
			"required_balance": required,
			"passed":           passed,
		},
	})
}

// PublishPlanCompleted publishes a subscription that passed its terminal week
func (eb *EventBus) PublishPlanCompleted(subscriberID, planID string, accumulatedReward string) {
	eb.Publish(Event{
		Type: EventPlanCompleted,
		Data: map[string]interface{}{
			"subscriber_id":      subscriberID,
			"plan_id":            planID,
			"accumulated_reward": accumulatedReward,
		},
	})
}

// PublishInsufficientFinalBalance publishes a terminal week that is still short
func (eb *EventBus) PublishInsufficientFinalBalance(subscriberID, planID string, weekNumber int, observed, required string) {
	eb.Publish(Event{
		Type: EventInsufficientFinalBalance,
		Data: map[string]interface{}{
			"subscriber_id":    subscriberID,
			"plan_id":          planID,
			"week_number":      weekNumber,
			"observed_balance": observed,
			"required_balance": required,
		},
	})
}

// PublishRewardAccrued publishes credited reward days
func (eb *EventBus) PublishRewardAccrued(subscriberID string, days int64, credited, total string) {
	eb.Publish(Event{
		Type: EventRewardAccrued,
		Data: map[string]interface{}{
			"subscriber_id":      subscriberID,
			"days_credited":      days,
			"reward_credited":    credited,
			"accumulated_reward": total,
		},
	})
}

// PublishBalanceDegraded publishes a stale or unknown balance reading
func (eb *EventBus) PublishBalanceDegraded(subscriberID, address, source string) {
	eb.Publish(Event{
		Type: EventBalanceDegraded,
		Data: map[string]interface{}{
			"subscriber_id": subscriberID,
			"address":       address,
			"source":        source,
		},
	})
}

// PublishLedgerEntrySettled publishes a terminal reconciliation transition
func (eb *EventBus) PublishLedgerEntrySettled(entryID, category, subscriberID, hash, status string) {
	eb.Publish(Event{
		Type: EventLedgerEntrySettled,
		Data: map[string]interface{}{
			"entry_id":      entryID,
			"category":      category,
			"subscriber_id": subscriberID,
			"tx_hash":       hash,
			"status":        status,
		},
	})
}

// PublishLedgerAnomaly publishes an entry left pending on an unrecognized receipt
func (eb *EventBus) PublishLedgerAnomaly(entryID, category, hash, note string) {
	eb.Publish(Event{
		Type: EventLedgerAnomaly,
		Data: map[string]interface{}{
			"entry_id": entryID,
			"category": category,
			"tx_hash":  hash,
			"note":     note,
		},
	})
}

// PublishSweepFinished publishes a reconciliation summary
func (eb *EventBus) PublishSweepFinished(runID string, summary interface{}) {
	eb.Publish(Event{
		Type: EventSweepFinished,
		Data: map[string]interface{}{
			"run_id":  runID,
			"summary": summary,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
