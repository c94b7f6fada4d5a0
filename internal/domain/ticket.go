package domain

import (
	"errors"
	"time"
)

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusPending   TicketStatus = "PENDING"
	TicketStatusProcessed TicketStatus = "PROCESSED"
	TicketStatusFailed    TicketStatus = "FAILED"
	TicketStatusResolved  TicketStatus = "RESOLVED"
)

// Category is the topical bucket assigned during classification.
type Category string

const (
	CategoryBilling   Category = "Billing"
	CategoryTechnical Category = "Technical"
	CategoryFeature   Category = "Feature"
	CategoryOther     Category = "Other"
)

// Urgency is the triage priority assigned during classification.
type Urgency string

const (
	UrgencyHigh   Urgency = "High"
	UrgencyMedium Urgency = "Medium"
	UrgencyLow    Urgency = "Low"
)

var (
	// ErrInvalidTransition is returned when a patch moves a ticket along an edge
	// that is not part of the status graph.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrFieldFrozen is returned when a patch touches a field that can no longer
	// change in the ticket's current status.
	ErrFieldFrozen = errors.New("field is frozen in current status")
)

// Ticket is the aggregate for support requests.
type Ticket struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Status     TicketStatus   `json:"status"`
	Category   *Category      `json:"category,omitempty"`
	Urgency    *Urgency       `json:"urgency,omitempty"`
	Sentiment  *int           `json:"sentiment,omitempty"`
	DraftReply *string        `json:"draftReply,omitempty"`
	FinalReply *string        `json:"finalReply,omitempty"`
	Error      *FailureDetail `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Classification is the structured triage result for a ticket.
type Classification struct {
	Category  Category `json:"category"`
	Urgency   Urgency  `json:"urgency"`
	Sentiment int      `json:"sentiment"`
}

// FallbackClassification is used whenever the provider cannot produce a usable result.
func FallbackClassification() Classification {
	return Classification{Category: CategoryOther, Urgency: UrgencyMedium, Sentiment: 5}
}

// FailureKind names the class of fault that failed a ticket.
type FailureKind string

const (
	FailureNotFound FailureKind = "not_found"
	FailureProvider FailureKind = "provider"
	FailureTimeout  FailureKind = "timeout"
	FailureStorage  FailureKind = "storage"
	FailureEnqueue  FailureKind = "enqueue"
	FailurePayload  FailureKind = "payload"
	FailureInternal FailureKind = "internal"
)

// FailureDetail is recorded on a ticket when it transitions to FAILED.
type FailureDetail struct {
	Message string      `json:"message"`
	Kind    FailureKind `json:"kind"`
	Stage   string      `json:"stage,omitempty"`
	Attempt int         `json:"attempt,omitempty"`
	Details []string    `json:"details,omitempty"`
}

// IsTerminal reports whether no further status change is possible.
func (s TicketStatus) IsTerminal() bool {
	return s == TicketStatusFailed || s == TicketStatusResolved
}

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusPending, TicketStatusProcessed, TicketStatusFailed, TicketStatusResolved:
		return true
	}
	return false
}

var allowedTransitions = map[TicketStatus][]TicketStatus{
	TicketStatusPending:   {TicketStatusProcessed, TicketStatusFailed},
	TicketStatusProcessed: {TicketStatusResolved},
}

// CanTransition reports whether current -> next is an edge of the status graph.
func CanTransition(current, next TicketStatus) bool {
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Classification returns the ticket's classification if all fields are set.
func (t *Ticket) Classification() (Classification, bool) {
	if t.Category == nil || t.Urgency == nil || t.Sentiment == nil {
		return Classification{}, false
	}
	return Classification{Category: *t.Category, Urgency: *t.Urgency, Sentiment: *t.Sentiment}, true
}

// Clone returns a deep copy so callers can hand tickets out without sharing pointers.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.Category = clonePtr(t.Category)
	c.Urgency = clonePtr(t.Urgency)
	c.Sentiment = clonePtr(t.Sentiment)
	c.DraftReply = clonePtr(t.DraftReply)
	c.FinalReply = clonePtr(t.FinalReply)
	if t.Error != nil {
		e := *t.Error
		e.Details = append([]string(nil), t.Error.Details...)
		c.Error = &e
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
