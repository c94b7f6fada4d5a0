package domain

import (
	"fmt"
	"time"
)

// TicketPatch is a partial update. Nil fields are left untouched.
type TicketPatch struct {
	Status     *TicketStatus
	Category   *Category
	Urgency    *Urgency
	Sentiment  *int
	DraftReply *string
	FinalReply *string
	Error      *FailureDetail
}

// WithClassification sets the three classification fields.
func (p TicketPatch) WithClassification(c Classification) TicketPatch {
	p.Category = &c.Category
	p.Urgency = &c.Urgency
	p.Sentiment = &c.Sentiment
	return p
}

// WithStatus sets the target status.
func (p TicketPatch) WithStatus(s TicketStatus) TicketPatch {
	p.Status = &s
	return p
}

// Empty reports whether the patch changes nothing.
func (p TicketPatch) Empty() bool {
	return p.Status == nil && p.Category == nil && p.Urgency == nil && p.Sentiment == nil &&
		p.DraftReply == nil && p.FinalReply == nil && p.Error == nil
}

// Apply validates the patch against the ticket's current state and mutates it.
// It returns the status the ticket held before the patch so callers can record
// history when it changed.
//
// Classification and draft fields may only change while the ticket is PENDING.
// The final reply may only be set on the PROCESSED -> RESOLVED edge and the
// error only on the PENDING -> FAILED edge.
func (t *Ticket) Apply(p TicketPatch, now time.Time) (TicketStatus, error) {
	previous := t.Status
	next := previous
	if p.Status != nil {
		next = *p.Status
		if !next.Valid() {
			return previous, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
		}
		if next != previous && !CanTransition(previous, next) {
			return previous, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, previous, next)
		}
	}

	pending := previous == TicketStatusPending
	if (p.Category != nil || p.Urgency != nil || p.Sentiment != nil) && !pending {
		return previous, fmt.Errorf("%w: classification in %s", ErrFieldFrozen, previous)
	}
	if p.DraftReply != nil && !pending {
		return previous, fmt.Errorf("%w: draftReply in %s", ErrFieldFrozen, previous)
	}
	if p.FinalReply != nil && (previous != TicketStatusProcessed || next != TicketStatusResolved) {
		return previous, fmt.Errorf("%w: finalReply outside PROCESSED -> RESOLVED", ErrFieldFrozen)
	}
	if p.Error != nil && (previous != TicketStatusPending || next != TicketStatusFailed) {
		return previous, fmt.Errorf("%w: error outside PENDING -> FAILED", ErrFieldFrozen)
	}
	if p.Sentiment != nil && (*p.Sentiment < 1 || *p.Sentiment > 10) {
		return previous, fmt.Errorf("sentiment %d out of range", *p.Sentiment)
	}

	if p.Category != nil {
		t.Category = clonePtr(p.Category)
	}
	if p.Urgency != nil {
		t.Urgency = clonePtr(p.Urgency)
	}
	if p.Sentiment != nil {
		t.Sentiment = clonePtr(p.Sentiment)
	}
	if p.DraftReply != nil {
		t.DraftReply = clonePtr(p.DraftReply)
	}
	if p.FinalReply != nil {
		t.FinalReply = clonePtr(p.FinalReply)
	}
	if p.Error != nil {
		e := *p.Error
		t.Error = &e
	}
	t.Status = next
	t.UpdatedAt = now
	return previous, nil
}
