package reconstruct

import (
	"testing"
	"time"

	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
)

func TestReconcileRules(t *testing.T) {
	pending, processed, resolved, failed := domain.TicketStatusPending, domain.TicketStatusProcessed, domain.TicketStatusResolved, domain.TicketStatusFailed
	cases := []struct {
		name      string
		displayed string
		draft     string
		hasDraft  bool
		status    domain.TicketStatus
		want      string
	}{
		{"equal holds", "Hello", "Hello", true, pending, "Hello"},
		{"no draft holds", "", "", false, pending, ""},
		{"pending reveals one", "Hel", "Hello", true, pending, "Hell"},
		{"pending from empty", "", "Hi", true, pending, "H"},
		{"pending correction snaps", "Help", "Hello", true, pending, "Hello"},
		{"pending shrink snaps", "Hello!", "Hello", true, pending, "Hello"},
		{"processed snaps", "H", "Hello", true, processed, "Hello"},
		{"resolved snaps", "", "Hello", true, resolved, "Hello"},
		{"failed snaps", "Hel", "", true, failed, ""},
		{"multibyte reveal", "ca", "café", true, pending, "caf"},
		{"multibyte rune", "caf", "café", true, pending, "café"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Reconcile(tc.displayed, tc.draft, tc.hasDraft, tc.status); got != tc.want {
				t.Fatalf("Reconcile = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPrefixLawGrowsByOneRune(t *testing.T) {
	draft := "Hëllo, wé will hélp."
	displayed := ""
	for displayed != draft {
		next := Reconcile(displayed, draft, true, domain.TicketStatusPending)
		if len([]rune(next)) != len([]rune(displayed))+1 || next[:len(displayed)] != displayed {
			t.Fatalf("step %q -> %q", displayed, next)
		}
		displayed = next
	}
}

func seeded(t *testing.T) *Board {
	t.Helper()
	b := NewBoard()
	if !b.Apply(events.TicketCreated(&domain.Ticket{ID: "t1", Content: "I was charged twice", Status: domain.TicketStatusPending})) {
		t.Fatal("create not applied")
	}
	return b
}

func TestBoardTypesPartialsAndSnapsOnProcessed(t *testing.T) {
	b := seeded(t)
	empty := ""
	b.Apply(events.TicketUpdated("t1", events.TicketFields{DraftReply: &empty}))
	b.Apply(events.TicketPartial("t1", "Hello, "))
	b.Apply(events.TicketPartial("t1", "we will help."))

	v, _ := b.Get("t1")
	if v.Draft != "Hello, we will help." || v.Displayed != "" || !v.Typing() {
		t.Fatalf("view = %+v", v)
	}
	for i := 0; i < 5; i++ {
		b.Step()
	}
	if v, _ = b.Get("t1"); v.Displayed != "Hello" {
		t.Fatalf("displayed = %q", v.Displayed)
	}

	processed := domain.TicketStatusProcessed
	final := "Hello, we will help."
	b.Apply(events.TicketUpdated("t1", events.TicketFields{Status: &processed, DraftReply: &final}))
	if v, _ = b.Get("t1"); v.Displayed != final || v.Typing() || b.Typing() {
		t.Fatalf("view after processed = %+v", v)
	}
}

func TestBoardCorrectionSnaps(t *testing.T) {
	b := seeded(t)
	b.Apply(events.TicketPartial("t1", "Helo"))
	for b.Step() {
	}
	corrected := "Hello"
	b.Apply(events.TicketUpdated("t1", events.TicketFields{DraftReply: &corrected}))
	if v, _ := b.Get("t1"); v.Displayed != "Hello" {
		t.Fatalf("displayed = %q", v.Displayed)
	}
}

func TestRepeatedFinalUpdateIsNoOp(t *testing.T) {
	b := seeded(t)
	processed := domain.TicketStatusProcessed
	final := "Thanks for reaching out."
	cat, urg, sent := domain.CategoryBilling, domain.UrgencyHigh, 2
	event := events.TicketUpdated("t1", events.TicketFields{
		Status: &processed, DraftReply: &final, Category: &cat, Urgency: &urg, Sentiment: &sent,
	})
	if !b.Apply(event) {
		t.Fatal("first apply reported no change")
	}
	before, _ := b.Get("t1")

	raw, _ := events.Encode(event)
	again, err := events.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b.Apply(again) {
		t.Fatal("second apply reported a change")
	}
	after, _ := b.Get("t1")
	if !sameView(before, after) {
		t.Fatalf("before %+v after %+v", before, after)
	}
}

func TestFailedOverridesLocalDraft(t *testing.T) {
	b := seeded(t)
	empty := ""
	b.Apply(events.TicketUpdated("t1", events.TicketFields{DraftReply: &empty}))
	b.Apply(events.TicketPartial("t1", "Dear customer, we have refun"))
	for b.Step() {
	}
	failed := domain.TicketStatusFailed
	if !b.Apply(events.TicketUpdated("t1", events.TicketFields{
		Status: &failed,
		Error:  &domain.FailureDetail{Message: "provider unavailable", Kind: domain.FailureProvider},
	})) {
		t.Fatal("failure reported no change")
	}
	live, _ := b.Get("t1")
	if live.Status != failed || live.Displayed != "" || live.Draft != "" || live.Typing() || live.Error == nil {
		t.Fatalf("view = %+v", live)
	}

	// A late fragment cannot revive the abandoned draft.
	if b.Apply(events.TicketPartial("t1", "d")) {
		t.Fatal("partial applied to a failed ticket")
	}

	// An observer that loads the stored ticket sees the same thing.
	fresh := NewBoard()
	fresh.Seed([]domain.Ticket{{ID: "t1", Content: "refund please", Status: failed, DraftReply: &empty}})
	refetched, _ := fresh.Get("t1")
	if refetched.Displayed != live.Displayed || refetched.Draft != live.Draft {
		t.Fatalf("live %+v refetched %+v", live, refetched)
	}
}

func TestFailedBeforeDraftingShowsNoDraft(t *testing.T) {
	b := seeded(t)
	failed := domain.TicketStatusFailed
	b.Apply(events.TicketUpdated("t1", events.TicketFields{
		Status: &failed,
		Error:  &domain.FailureDetail{Message: "ticket store unavailable", Kind: domain.FailureStorage},
	}))
	v, _ := b.Get("t1")
	if v.HasDraft || v.Displayed != "" || v.Typing() {
		t.Fatalf("view = %+v", v)
	}
}

func TestSeedAndOrdering(t *testing.T) {
	draft := "Sure, refunded."
	b := NewBoard()
	b.Seed([]domain.Ticket{
		{ID: "b", Content: "second", Status: domain.TicketStatusProcessed, DraftReply: &draft},
		{ID: "a", Content: "first", Status: domain.TicketStatusPending},
	})
	b.Apply(events.TicketCreated(&domain.Ticket{ID: "c", Content: "newest", Status: domain.TicketStatusPending}))
	b.Apply(events.TicketCreated(&domain.Ticket{ID: "b", Content: "dup", Status: domain.TicketStatusPending}))
	// Unknown tickets are ignored.
	if b.Apply(events.TicketPartial("zzz", "x")) {
		t.Fatal("unknown ticket applied")
	}

	views := b.Views()
	if len(views) != 3 || views[0].ID != "c" || views[1].ID != "b" || views[2].ID != "a" {
		t.Fatalf("order = %+v", views)
	}
	if views[1].Displayed != draft || views[1].Content != "second" {
		t.Fatalf("seeded view = %+v", views[1])
	}
}

func TestSeedSkipsSnapshotOlderThanBoard(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := NewBoard()
	b.Apply(events.TicketCreated(&domain.Ticket{ID: "t1", Content: "charged twice", Status: domain.TicketStatusPending, CreatedAt: created, UpdatedAt: created}))

	// Snapshot taken while the ticket was still pending.
	empty := ""
	snapshot := []domain.Ticket{{ID: "t1", Content: "charged twice", Status: domain.TicketStatusPending, DraftReply: &empty, CreatedAt: created, UpdatedAt: created.Add(time.Second)}}

	processed := domain.TicketStatusProcessed
	final := "Refund issued."
	b.Apply(events.TicketUpdated("t1", events.TicketFields{Status: &processed, DraftReply: &final}.At(created.Add(2*time.Second))))
	b.Seed(snapshot)

	v, _ := b.Get("t1")
	if v.Status != processed || v.Displayed != final || !v.UpdatedAt.Equal(created.Add(2*time.Second)) {
		t.Fatalf("stale snapshot applied: %+v", v)
	}

	// A newer snapshot still wins.
	resolved := domain.TicketStatusResolved
	reply := "Refund issued, sorry for the trouble."
	b.Seed([]domain.Ticket{{ID: "t1", Content: "charged twice", Status: resolved, DraftReply: &final, FinalReply: &reply, UpdatedAt: created.Add(3 * time.Second)}})
	v, _ = b.Get("t1")
	if v.Status != resolved || v.FinalReply == nil || *v.FinalReply != reply {
		t.Fatalf("newer snapshot ignored: %+v", v)
	}
}

func TestSeedKeepsFragmentsStreamedSinceSnapshot(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := NewBoard()
	b.Apply(events.TicketCreated(&domain.Ticket{ID: "t1", Content: "charged twice", Status: domain.TicketStatusPending, UpdatedAt: at}))
	empty := ""
	b.Apply(events.TicketUpdated("t1", events.TicketFields{DraftReply: &empty}.At(at.Add(time.Second))))
	b.Apply(events.TicketPartial("t1", "Hello, we"))

	b.Seed([]domain.Ticket{{ID: "t1", Content: "charged twice", Status: domain.TicketStatusPending, DraftReply: &empty, UpdatedAt: at.Add(time.Second)}})

	v, _ := b.Get("t1")
	if v.Draft != "Hello, we" || !v.Typing() {
		t.Fatalf("view = %+v", v)
	}
}
