package domain

import (
	"errors"
	"testing"
	"time"
)

func pendingTicket() *Ticket {
	return &Ticket{ID: "t1", Content: "my invoice is wrong", Status: TicketStatusPending}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TicketStatus
		want     bool
	}{
		{TicketStatusPending, TicketStatusProcessed, true},
		{TicketStatusPending, TicketStatusFailed, true},
		{TicketStatusProcessed, TicketStatusResolved, true},
		{TicketStatusPending, TicketStatusResolved, false},
		{TicketStatusProcessed, TicketStatusFailed, false},
		{TicketStatusFailed, TicketStatusPending, false},
		{TicketStatusResolved, TicketStatusProcessed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestApplyClassificationWhilePending(t *testing.T) {
	ticket := pendingTicket()
	now := time.Unix(100, 0)

	patch := TicketPatch{}.WithClassification(Classification{Category: CategoryBilling, Urgency: UrgencyHigh, Sentiment: 3})
	if _, err := ticket.Apply(patch, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// Re-applying is idempotent.
	if _, err := ticket.Apply(patch, now); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	got, ok := ticket.Classification()
	if !ok || got.Category != CategoryBilling || got.Urgency != UrgencyHigh || got.Sentiment != 3 {
		t.Fatalf("classification = %+v, %v", got, ok)
	}
	if ticket.Status != TicketStatusPending {
		t.Fatalf("status = %s, want PENDING", ticket.Status)
	}
	if !ticket.UpdatedAt.Equal(now) {
		t.Fatalf("updatedAt not refreshed")
	}
}

func TestApplyDraftFrozenAfterProcessed(t *testing.T) {
	ticket := pendingTicket()
	draft := "Thanks for reaching out."
	if _, err := ticket.Apply(TicketPatch{DraftReply: &draft}.WithStatus(TicketStatusProcessed), time.Now()); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	more := draft + " More."
	_, err := ticket.Apply(TicketPatch{DraftReply: &more}, time.Now())
	if !errors.Is(err, ErrFieldFrozen) {
		t.Fatalf("err = %v, want ErrFieldFrozen", err)
	}
	if *ticket.DraftReply != draft {
		t.Fatalf("draft mutated after freeze: %q", *ticket.DraftReply)
	}
}

func TestApplyResolveRequiresProcessed(t *testing.T) {
	ticket := pendingTicket()
	reply := "Refund issued."

	_, err := ticket.Apply(TicketPatch{FinalReply: &reply}.WithStatus(TicketStatusResolved), time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resolve from PENDING err = %v, want ErrInvalidTransition", err)
	}

	if _, err := ticket.Apply(TicketPatch{}.WithStatus(TicketStatusProcessed), time.Now()); err != nil {
		t.Fatalf("process: %v", err)
	}
	previous, err := ticket.Apply(TicketPatch{FinalReply: &reply}.WithStatus(TicketStatusResolved), time.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if previous != TicketStatusProcessed || ticket.Status != TicketStatusResolved {
		t.Fatalf("previous=%s status=%s", previous, ticket.Status)
	}

	again := "second"
	if _, err := ticket.Apply(TicketPatch{FinalReply: &again}, time.Now()); !errors.Is(err, ErrFieldFrozen) {
		t.Fatalf("second final reply err = %v", err)
	}
}

func TestApplyErrorOnlyOnFailure(t *testing.T) {
	ticket := pendingTicket()
	detail := &FailureDetail{Message: "boom", Kind: FailureProvider}

	if _, err := ticket.Apply(TicketPatch{Error: detail}, time.Now()); !errors.Is(err, ErrFieldFrozen) {
		t.Fatalf("error without FAILED err = %v", err)
	}
	if _, err := ticket.Apply(TicketPatch{Error: detail}.WithStatus(TicketStatusFailed), time.Now()); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if ticket.Error == nil || ticket.Error.Kind != FailureProvider {
		t.Fatalf("error not recorded: %+v", ticket.Error)
	}
	if _, err := ticket.Apply(TicketPatch{}.WithStatus(TicketStatusProcessed), time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("FAILED must be terminal, err = %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	draft := "hello"
	ticket := pendingTicket()
	ticket.DraftReply = &draft
	c := ticket.Clone()
	*c.DraftReply = "changed"
	if *ticket.DraftReply != "hello" {
		t.Fatalf("clone shares draft pointer")
	}
}
