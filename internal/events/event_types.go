package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spec-kit/triage-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated EventType = "TICKET_CREATED"
	EventTicketUpdated EventType = "TICKET_UPDATED"
	EventTicketPartial EventType = "TICKET_PARTIAL"
)

// ErrMalformedEvent is returned by Decode for payloads that are not valid events.
var ErrMalformedEvent = errors.New("malformed event")

// TicketFields is the partial field set carried by TICKET_UPDATED. A non-nil
// pointer means the field is present, even when it points at a zero value:
// draftReply "" announces that drafting has started.
type TicketFields struct {
	Status     *domain.TicketStatus  `json:"status,omitempty"`
	Category   *domain.Category      `json:"category,omitempty"`
	Urgency    *domain.Urgency       `json:"urgency,omitempty"`
	Sentiment  *int                  `json:"sentiment,omitempty"`
	DraftReply *string               `json:"draftReply,omitempty"`
	FinalReply *string               `json:"finalReply,omitempty"`
	Error      *domain.FailureDetail `json:"error,omitempty"`
	// UpdatedAt is the stored ticket's update time after the write.
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// At stamps the field set with the time the store recorded the change.
func (f TicketFields) At(updatedAt time.Time) TicketFields {
	f.UpdatedAt = &updatedAt
	return f
}

// Event is one message on the bus and on the observer wire. The JSON form is a
// flat object discriminated by "type".
type Event struct {
	Type     EventType      `json:"type"`
	TicketID string         `json:"ticketId,omitempty"`
	Ticket   *domain.Ticket `json:"ticket,omitempty"`
	Delta    string         `json:"delta,omitempty"`
	TicketFields
}

// TicketCreated announces a newly submitted ticket.
func TicketCreated(ticket *domain.Ticket) Event {
	return Event{Type: EventTicketCreated, TicketID: ticket.ID, Ticket: ticket.Clone()}
}

// TicketUpdated carries a partial field set for a ticket.
func TicketUpdated(ticketID string, fields TicketFields) Event {
	return Event{Type: EventTicketUpdated, TicketID: ticketID, TicketFields: fields}
}

// TicketPartial carries one draft fragment.
func TicketPartial(ticketID, delta string) Event {
	return Event{Type: EventTicketPartial, TicketID: ticketID, Delta: delta}
}

// ClassificationFields builds the field set announcing a classification.
func ClassificationFields(c domain.Classification) TicketFields {
	return TicketFields{Category: &c.Category, Urgency: &c.Urgency, Sentiment: &c.Sentiment}
}

// Validate checks that the event carries what its type requires.
func (e Event) Validate() error {
	switch e.Type {
	case EventTicketCreated:
		if e.Ticket == nil || e.Ticket.ID == "" {
			return fmt.Errorf("%w: %s without ticket", ErrMalformedEvent, e.Type)
		}
	case EventTicketUpdated:
		if e.TicketID == "" {
			return fmt.Errorf("%w: %s without ticketId", ErrMalformedEvent, e.Type)
		}
	case EventTicketPartial:
		if e.TicketID == "" || e.Delta == "" {
			return fmt.Errorf("%w: %s needs ticketId and non-empty delta", ErrMalformedEvent, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
	return nil
}

// ID returns the ticket the event is about.
func (e Event) ID() string {
	if e.TicketID != "" {
		return e.TicketID
	}
	if e.Ticket != nil {
		return e.Ticket.ID
	}
	return ""
}

// Encode returns the wire JSON for e.
func Encode(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return raw, nil
}

// Decode parses and validates wire JSON.
func Decode(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
