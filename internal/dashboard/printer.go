package dashboard

import (
	"fmt"
	"io"
	"sync"

	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/observer"
	"github.com/spec-kit/triage-service/internal/reconstruct"
)

// Printer writes one line per lifecycle change, for terminals without a TUI.
// Draft fragments are folded into the board but not printed.
type Printer struct {
	mu    sync.Mutex
	out   io.Writer
	board *reconstruct.Board
}

// NewPrinter writes to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, board: reconstruct.NewBoard()}
}

// Seed loads the initial ticket list and prints it.
func (p *Printer) Seed(tickets []domain.Ticket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.board.Seed(tickets)
	for _, v := range p.board.Views() {
		p.line(v)
	}
}

// Handle folds one event and prints the result.
func (p *Printer) Handle(event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.board.Apply(event) || event.Type == events.EventTicketPartial {
		return
	}
	if v, ok := p.board.Get(event.ID()); ok {
		p.line(v)
	}
}

// State prints connection changes.
func (p *Printer) State(s observer.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "-- %s\n", s)
}

func (p *Printer) line(v reconstruct.View) {
	fmt.Fprintf(p.out, "%s %-9s", v.ID, v.Status)
	if v.Category != nil && v.Urgency != nil && v.Sentiment != nil {
		fmt.Fprintf(p.out, " %s/%s/%d", *v.Category, *v.Urgency, *v.Sentiment)
	}
	switch {
	case v.Error != nil:
		fmt.Fprintf(p.out, " error=%q", v.Error.Message)
	case v.FinalReply != nil:
		fmt.Fprintf(p.out, " reply=%q", *v.FinalReply)
	case v.HasDraft && v.Draft != "":
		fmt.Fprintf(p.out, " draft=%q", v.Draft)
	default:
		fmt.Fprintf(p.out, " %q", truncate(v.Content, 60))
	}
	fmt.Fprintln(p.out)
}
