// Package reconstruct turns the event feed into per-ticket display state,
// pacing draft text so it appears to be typed.
package reconstruct

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
)

// Action is what the next reconciliation step does to the displayed text.
type Action int

const (
	// Hold leaves the displayed text alone.
	Hold Action = iota
	// Snap replaces the displayed text with the authoritative draft.
	Snap
	// Reveal appends the next character of the authoritative draft.
	Reveal
)

// Decide picks the reconciliation action for one ticket.
func Decide(displayed, draft string, hasDraft bool, status domain.TicketStatus) Action {
	if !hasDraft || displayed == draft {
		return Hold
	}
	if status != domain.TicketStatusPending {
		return Snap
	}
	if !strings.HasPrefix(draft, displayed) {
		return Snap
	}
	return Reveal
}

// Reconcile returns the displayed text after one step. A reveal grows the text
// by exactly one rune and never past the authoritative draft.
func Reconcile(displayed, draft string, hasDraft bool, status domain.TicketStatus) string {
	switch Decide(displayed, draft, hasDraft, status) {
	case Snap:
		return draft
	case Reveal:
		_, size := utf8.DecodeRuneInString(draft[len(displayed):])
		return draft[:len(displayed)+size]
	}
	return displayed
}

// View is one ticket as an observer sees it.
type View struct {
	ID         string
	Content    string
	Status     domain.TicketStatus
	Category   *domain.Category
	Urgency    *domain.Urgency
	Sentiment  *int
	Draft      string
	HasDraft   bool
	Displayed  string
	FinalReply *string
	Error      *domain.FailureDetail
	CreatedAt  time.Time
	// UpdatedAt is the newest store write this view reflects.
	UpdatedAt time.Time
}

// Typing reports whether the displayed draft is still catching up.
func (v View) Typing() bool {
	return Decide(v.Displayed, v.Draft, v.HasDraft, v.Status) == Reveal
}

// Board holds every known ticket, newest first. It is not safe for
// concurrent use; one goroutine owns it.
type Board struct {
	views map[string]*View
	order []string
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{views: make(map[string]*View)}
}

// Seed loads server state, typically fetched at connect time. Unknown
// tickets are appended in the given order. A known ticket is overwritten
// unless the board already reflects a later write, since the snapshot may
// have been taken before events that arrived ahead of it.
func (b *Board) Seed(tickets []domain.Ticket) {
	for i := range tickets {
		t := tickets[i]
		v, ok := b.views[t.ID]
		if ok && v.UpdatedAt.After(t.UpdatedAt) {
			continue
		}
		if !ok {
			v = &View{ID: t.ID}
			b.views[t.ID] = v
			b.order = append(b.order, t.ID)
		}
		local, hadDraft := v.Draft, v.HasDraft
		v.Content = t.Content
		v.Status = t.Status
		v.Category = t.Category
		v.Urgency = t.Urgency
		v.Sentiment = t.Sentiment
		v.FinalReply = t.FinalReply
		v.Error = t.Error
		v.CreatedAt = t.CreatedAt
		v.UpdatedAt = t.UpdatedAt
		v.HasDraft = t.DraftReply != nil
		v.Draft = ""
		if t.DraftReply != nil {
			v.Draft = *t.DraftReply
			// Fragments streamed since the snapshot are not stored yet.
			if t.Status == domain.TicketStatusPending && hadDraft && strings.HasPrefix(local, v.Draft) {
				v.Draft = local
			}
		}
		settle(v)
	}
}

// Apply folds one event into the board. It reports whether anything changed.
// Events for tickets the board has never seen are ignored, except creation.
func (b *Board) Apply(event events.Event) bool {
	switch event.Type {
	case events.EventTicketCreated:
		if event.Ticket == nil {
			return false
		}
		if _, ok := b.views[event.Ticket.ID]; ok {
			return false
		}
		t := event.Ticket
		v := &View{
			ID:        t.ID,
			Content:   t.Content,
			Status:    t.Status,
			Category:  t.Category,
			Urgency:   t.Urgency,
			Sentiment: t.Sentiment,
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
			Error:     t.Error,
		}
		if t.DraftReply != nil {
			v.Draft, v.HasDraft = *t.DraftReply, true
		}
		b.views[t.ID] = v
		b.order = append([]string{t.ID}, b.order...)
		settle(v)
		return true

	case events.EventTicketPartial:
		v, ok := b.views[event.TicketID]
		if !ok || v.Status == domain.TicketStatusFailed {
			return false
		}
		v.Draft += event.Delta
		v.HasDraft = true
		settle(v)
		return true

	case events.EventTicketUpdated:
		v, ok := b.views[event.TicketID]
		if !ok {
			return false
		}
		before := *v
		f := event.TicketFields
		if f.Status != nil {
			v.Status = *f.Status
		}
		if f.Category != nil {
			v.Category = f.Category
		}
		if f.Urgency != nil {
			v.Urgency = f.Urgency
		}
		if f.Sentiment != nil {
			v.Sentiment = f.Sentiment
		}
		if f.DraftReply != nil {
			v.Draft, v.HasDraft = *f.DraftReply, true
		}
		if f.FinalReply != nil {
			v.FinalReply = f.FinalReply
		}
		if f.Error != nil {
			v.Error = f.Error
		}
		if f.UpdatedAt != nil && f.UpdatedAt.After(v.UpdatedAt) {
			v.UpdatedAt = *f.UpdatedAt
		}
		if v.Status == domain.TicketStatusFailed && f.DraftReply == nil {
			// Streamed fragments are never persisted; a failed ticket keeps
			// at most the empty announcement.
			v.Draft = ""
			v.Displayed = ""
		}
		settle(v)
		return !sameView(before, *v)
	}
	return false
}

// Step advances every typing ticket by one character. It reports whether
// any text changed.
func (b *Board) Step() bool {
	changed := false
	for _, id := range b.order {
		v := b.views[id]
		next := Reconcile(v.Displayed, v.Draft, v.HasDraft, v.Status)
		if next != v.Displayed {
			v.Displayed = next
			changed = true
		}
	}
	return changed
}

// Typing reports whether any ticket is still animating.
func (b *Board) Typing() bool {
	for _, v := range b.views {
		if v.Typing() {
			return true
		}
	}
	return false
}

// Get returns a copy of one view.
func (b *Board) Get(id string) (View, bool) {
	v, ok := b.views[id]
	if !ok {
		return View{}, false
	}
	return *v, true
}

// Views returns copies of every view, newest first.
func (b *Board) Views() []View {
	out := make([]View, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.views[id])
	}
	return out
}

// Len returns the number of tickets on the board.
func (b *Board) Len() int { return len(b.order) }

// settle applies snaps immediately; reveals wait for Step.
func settle(v *View) {
	if Decide(v.Displayed, v.Draft, v.HasDraft, v.Status) == Snap {
		v.Displayed = v.Draft
	}
}

func sameView(a, b View) bool {
	return a.Status == b.Status &&
		a.Draft == b.Draft && a.HasDraft == b.HasDraft && a.Displayed == b.Displayed &&
		samePtr(a.Category, b.Category) && samePtr(a.Urgency, b.Urgency) &&
		samePtr(a.Sentiment, b.Sentiment) && samePtr(a.FinalReply, b.FinalReply) &&
		sameFailure(a.Error, b.Error)
}

func sameFailure(a, b *domain.FailureDetail) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Message == b.Message && a.Kind == b.Kind && a.Stage == b.Stage && a.Attempt == b.Attempt
}

func samePtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
