// Package events provides the in-process event bus used to observe scan runs.
// The HTTP progress stream and the log are both driven by bus subscriptions,
// keeping the orchestrator free of any transport concerns.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	RunStarted   EventType = "RUN_STARTED"
	RunResumed   EventType = "RUN_RESUMED"
	RunProgress  EventType = "RUN_PROGRESS"
	RunCompleted EventType = "RUN_COMPLETED"

	SubjectSynced  EventType = "SUBJECT_SYNCED"
	SubjectSkipped EventType = "SUBJECT_SKIPPED"
	SubjectFailed  EventType = "SUBJECT_FAILED"

	CacheUpdated  EventType = "CACHE_UPDATED"
	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// Event represents a system event. Data carries one of the typed payloads
// from event_data.go; the type is always derived from the payload.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON serializes the typed payload inline under "data".
func (e *Event) MarshalJSON() ([]byte, error) {
	type alias Event
	aux := struct {
		*alias
		Data json.RawMessage `json:"data,omitempty"`
	}{alias: (*alias)(e)}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}
	return json.Marshal(aux)
}

// UnmarshalJSON restores the payload type matching the event type. Unknown
// types fall back to GenericEventData.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := struct {
		*alias
		Data json.RawMessage `json:"data"`
	}{alias: (*alias)(e)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Data) > 0 {
		payload, err := decodePayload(e.Type, aux.Data)
		if err != nil {
			return err
		}
		e.Data = payload
	}
	return nil
}

// Handler receives emitted events. Handlers must not block; slow consumers
// buffer internally and drop on overflow.
type Handler func(*Event)

// Bus fans emitted events out to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventType]map[int]Handler
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType]map[int]Handler),
		log:      log.With().Str("service", "events").Logger(),
	}
}

// Subscribe registers a handler for an event type and returns an unsubscribe
// function. Transient consumers such as HTTP streams must call it on
// disconnect so the bus does not accumulate dead handlers.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]Handler)
	}
	b.handlers[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// SubscriberCount reports the live handlers for an event type.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Emit publishes a typed payload; the event type comes from the payload.
func (b *Bus) Emit(module string, data EventData) {
	if data == nil {
		return
	}
	event := &Event{
		Type:      data.EventType(),
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	eventJSON, _ := json.Marshal(event)
	b.log.Debug().
		Str("event_type", string(event.Type)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type]))
	for _, handler := range b.handlers[event.Type] {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// EmitError emits an error event
func (b *Bus) EmitError(module string, err error, context map[string]interface{}) {
	b.Emit(module, &ErrorEventData{
		Error:   err.Error(),
		Context: context,
	})
}
