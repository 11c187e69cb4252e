package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// EventType classifies run lifecycle events
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventStepStarted  EventType = "step_started"
	EventStepFinished EventType = "step_finished"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
)

// Event is one status notification for a run. Events are best effort; the
// persisted run row is the authoritative record and consumers that miss an
// event re-read it.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id"`
	TraceID   string          `json:"trace_id"`
	EntityID  string          `json:"entity_id"`
	StepName  string          `json:"step_name,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Channel is the pub/sub channel name for a run
func Channel(runID string) string {
	return fmt.Sprintf("execution:%s", runID)
}

// Publisher delivers run events to interested consumers
type Publisher interface {
	Publish(event Event)
}

// NoopPublisher drops every event
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

const subscriberBuffer = 64

// Hub fans events out to per-channel subscribers. Slow subscribers drop
// events rather than block the engine.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	logger zerolog.Logger
}

// NewHub creates an event hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe returns a channel receiving events for a run and a cancel
// function. The channel is closed on cancel.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	channel := Channel(runID)

	h.mu.Lock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[chan Event]struct{})
	}
	h.subs[channel][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[channel]; ok {
			if _, stillThere := set[ch]; stillThere {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, channel)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers of its run channel
func (h *Hub) Publish(event Event) {
	if event.ID == "" {
		event.ID, _ = gonanoid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[Channel(event.RunID)] {
		select {
		case ch <- event:
		default:
			h.logger.Warn().
				Str("run_id", event.RunID).
				Str("type", string(event.Type)).
				Msg("Dropping event for slow subscriber")
		}
	}
}
