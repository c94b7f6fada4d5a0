// Package provider talks to the generative-text backend: a one-shot
// classification call and an incremental draft stream.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spec-kit/triage-service/internal/config"
	"github.com/spec-kit/triage-service/internal/domain"
)

// Provider is the text-generation backend used by the analysis worker.
type Provider interface {
	// Classify returns the provider's raw structured answer for content.
	// Callers parse it with ParseClassification.
	Classify(ctx context.Context, content string) (string, error)
	// Draft opens a fresh reply stream. Streams are not restartable.
	Draft(ctx context.Context, content string, classification domain.Classification) (DraftStream, error)
}

// DraftStream yields reply fragments in order. Next returns io.EOF after the
// last fragment; any other error means the stream broke.
type DraftStream interface {
	Next() (string, error)
	Close() error
}

// Error is returned when the backend answers with a non-200 status.
type Error struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *Error) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("provider: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("provider: HTTP %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the call could succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

const (
	classifySystemPrompt = "You are a helpful support agent. Analyze the ticket and return JSON."
	draftSystemPrompt    = "You are a helpful support agent. Draft a reply to the user."
)

func classifyPrompt(content string) string {
	return fmt.Sprintf("Analyze this: %s. Return JSON matching: "+
		"{ category: 'Billing'|'Technical'|'Feature'|'Other' (choose one), "+
		"urgency: 'High'|'Medium'|'Low', sentiment: 1-10 }", content)
}

func draftPrompt(content string, c domain.Classification) string {
	return fmt.Sprintf("Ticket content: %s. Analysis: category=%s urgency=%s sentiment=%d. Draft a polite reply.",
		content, c.Category, c.Urgency, c.Sentiment)
}

// FromConfig selects the mock or the HTTP backend.
func FromConfig(cfg config.ProviderConfig) Provider {
	if cfg.Mock {
		return NewMock(time.Duration(cfg.MockChunkDelayMs) * time.Millisecond)
	}
	return NewOpenAI(&http.Client{}, cfg.BaseURL, cfg.APIKey, cfg.Model)
}
