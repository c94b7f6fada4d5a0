package domain

import "time"

// TicketHistory is an immutable audit trail entry for a status change.
type TicketHistory struct {
	ID         string       `json:"id"`
	TicketID   string       `json:"ticketId"`
	FromStatus TicketStatus `json:"fromStatus"`
	ToStatus   TicketStatus `json:"toStatus"`
	CreatedAt  time.Time    `json:"createdAt"`
}
