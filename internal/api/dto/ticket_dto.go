package dto

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/spec-kit/triage-service/internal/domain"
)

var validate = validator.New()

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	Content string `json:"content" validate:"required"`
}

// ResolveTicketRequest payload for PATCH /api/tickets/:id.
type ResolveTicketRequest struct {
	FinalReply string `json:"finalReply" validate:"required,max=10000"`
}

// TicketListQuery captures query filters for listing.
type TicketListQuery struct {
	Status []string `query:"status"`
	Limit  int      `query:"limit" validate:"gte=0,lte=200"`
	Offset int      `query:"offset" validate:"gte=0"`
}

// Statuses flattens repeated and comma-separated status values.
func (q TicketListQuery) Statuses() []domain.TicketStatus {
	var out []domain.TicketStatus
	for _, raw := range q.Status {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, domain.TicketStatus(strings.ToUpper(s)))
			}
		}
	}
	return out
}

// TicketResponse is the public ticket shape.
type TicketResponse struct {
	ID         string                `json:"id"`
	Content    string                `json:"content"`
	Status     domain.TicketStatus   `json:"status"`
	Category   *domain.Category      `json:"category,omitempty"`
	Urgency    *domain.Urgency       `json:"urgency,omitempty"`
	Sentiment  *int                  `json:"sentiment,omitempty"`
	DraftReply *string               `json:"draftReply,omitempty"`
	FinalReply *string               `json:"finalReply,omitempty"`
	Error      *domain.FailureDetail `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"createdAt"`
	UpdatedAt  time.Time             `json:"updatedAt"`
}

// HistoryResponse is one status transition.
type HistoryResponse struct {
	ID         string              `json:"id"`
	FromStatus domain.TicketStatus `json:"fromStatus"`
	ToStatus   domain.TicketStatus `json:"toStatus"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// NewTicketResponse maps a domain ticket.
func NewTicketResponse(t *domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:         t.ID,
		Content:    t.Content,
		Status:     t.Status,
		Category:   t.Category,
		Urgency:    t.Urgency,
		Sentiment:  t.Sentiment,
		DraftReply: t.DraftReply,
		FinalReply: t.FinalReply,
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

// NewHistoryResponse maps a history entry.
func NewHistoryResponse(h domain.TicketHistory) HistoryResponse {
	return HistoryResponse{ID: h.ID, FromStatus: h.FromStatus, ToStatus: h.ToStatus, CreatedAt: h.CreatedAt}
}

// Validate runs struct validation and returns field -> rule details on failure.
func Validate(v any) map[string]any {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	details := map[string]any{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			rule := fe.Tag()
			if fe.Param() != "" {
				rule += "=" + fe.Param()
			}
			details[lowerFirst(fe.Field())] = rule
		}
		return details
	}
	details["body"] = err.Error()
	return details
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
