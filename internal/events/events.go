// Package events carries appointment lifecycle events between the booking
// path, the availability cache and other instances.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bookwise/internal/metrics"
	"bookwise/internal/models"
)

const (
	AppointmentCreated      = "appointment.created"
	AppointmentCanceled     = "appointment.canceled"
	AvailabilityInvalidated = "availability.invalidated"

	// AllTypes subscribes a handler to every event type.
	AllTypes = "*"
)

// Event is one domain event.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	TenantID      string    `json:"tenant_id"`
	ShopID        string    `json:"shop_id"`
	EmployeeID    string    `json:"employee_id,omitempty"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	Day           string    `json:"day"`
	Days          int       `json:"days,omitempty"`
	Start         time.Time `json:"start,omitzero"`
	Source        string    `json:"source,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// AppointmentEvent builds an event describing a change to appt.
func AppointmentEvent(eventType string, appt *models.Appointment) Event {
	return Event{
		Type:          eventType,
		TenantID:      appt.TenantID,
		ShopID:        appt.ShopID,
		EmployeeID:    appt.EmployeeID,
		AppointmentID: appt.ID,
		Day:           appt.Start.Format(models.DayLayout),
		Start:         appt.Start,
	}
}

// Handler reacts to an event.
type Handler func(ctx context.Context, event Event) error

// Bus provides in-process pub/sub for events.
type Bus struct {
	subscribers map[string][]Handler
	mu          sync.RWMutex
	source      string
	logger      *zerolog.Logger
}

// NewBus constructs an empty bus. source tags locally published events so
// consumers can skip their own messages.
func NewBus(source string, logger *zerolog.Logger) *Bus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Bus{subscribers: make(map[string][]Handler), source: source, logger: logger}
}

// Source returns the identifier stamped on events published here.
func (b *Bus) Source() string {
	return b.source
}

// Subscribe registers a handler for a given event type or AllTypes.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type. Handlers run synchronously
// and their errors are logged, never returned.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[AllTypes]...)
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Source == "" {
		event.Source = b.source
	}
	metrics.IncEvent(event.Type, "published")

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.Warn().Err(err).Str("event_id", event.ID).Str("type", event.Type).Msg("event handler failed")
		}
	}
}
