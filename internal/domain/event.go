package domain

import (
	"context"
	"time"
)

// EventStatus is the administrative state of an event.
type EventStatus string

const (
	EventActive    EventStatus = "active"
	EventEnded     EventStatus = "ended"
	EventCancelled EventStatus = "cancelled"
)

// Valid reports whether s is a known event status.
func (s EventStatus) Valid() bool {
	switch s {
	case EventActive, EventEnded, EventCancelled:
		return true
	}
	return false
}

// Event represents a church event that members register for.
// swagger:model Event
type Event struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	StartsAt    time.Time  `json:"starts_at"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
	Location    string     `json:"location"`
	// PriceCents is in BRL centavos; zero means the event is free.
	PriceCents int64 `json:"price_cents"`
	// MaxParticipants of zero means unlimited.
	MaxParticipants     int         `json:"max_participants"`
	CurrentParticipants int         `json:"current_participants"`
	Status              EventStatus `json:"status"`
	ChurchID            string      `json:"church_id"`
	CreatedBy           string      `json:"created_by"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// NewEvent returns an active Event. ID is typically set by the repository on create.
func NewEvent(title, description, location, churchID, createdBy string, startsAt time.Time, endsAt *time.Time, priceCents int64, maxParticipants int, now time.Time) *Event {
	return &Event{
		Title:           title,
		Description:     description,
		StartsAt:        startsAt,
		EndsAt:          endsAt,
		Location:        location,
		PriceCents:      priceCents,
		MaxParticipants: maxParticipants,
		Status:          EventActive,
		ChurchID:        churchID,
		CreatedBy:       createdBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Unlimited reports whether the event has no capacity limit.
func (e *Event) Unlimited() bool { return e.MaxParticipants <= 0 }

// HasRoomFor reports whether count occupied slots still leave room for one more.
func (e *Event) HasRoomFor(count int) bool {
	return e.Unlimited() || count < e.MaxParticipants
}

// Drift is the result of recomputing an event's participant counter.
type Drift struct {
	EventID  string `json:"event_id"`
	Stored   int    `json:"stored"`
	Computed int    `json:"computed"`
}

// Corrected reports whether the stored counter had to change.
func (d Drift) Corrected() bool { return d.Stored != d.Computed }

// EventRepository defines the interface for event storage.
type EventRepository interface {
	Create(ctx context.Context, event *Event) error
	GetByID(ctx context.Context, id string) (*Event, error)
	List(ctx context.Context, status *EventStatus, page PaginationParams) ([]*Event, int, error)
	ListIDsByStatus(ctx context.Context, status EventStatus) ([]string, error)
	UpdateStatus(ctx context.Context, id string, status EventStatus) (*Event, error)
	Delete(ctx context.Context, id string) error
	// ResyncParticipants recomputes current_participants from the registrations counted by policy,
	// holding the event row lock so it serializes with admissions.
	ResyncParticipants(ctx context.Context, id string, policy CapacityPolicy) (Drift, error)
}

// EventService defines the administrative event operations.
type EventService interface {
	CreateEvent(ctx context.Context, event *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context, status *EventStatus, page PaginationParams) ([]*Event, int, error)
	SetStatus(ctx context.Context, id string, status EventStatus) (*Event, error)
	DeleteEvent(ctx context.Context, id string) error
}

// ResyncService corrects drift between current_participants and the registrations.
type ResyncService interface {
	ResyncEvent(ctx context.Context, eventID string) (Drift, error)
	ResyncAll(ctx context.Context) ([]Drift, error)
}
