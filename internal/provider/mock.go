package provider

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/spec-kit/triage-service/internal/domain"
)

// Mock answers deterministically from keywords so the pipeline runs without
// credentials.
type Mock struct {
	chunkDelay time.Duration
}

// NewMock returns a mock provider that waits chunkDelay between fragments.
func NewMock(chunkDelay time.Duration) *Mock {
	return &Mock{chunkDelay: chunkDelay}
}

var mockKeywords = []struct {
	words    []string
	category domain.Category
}{
	{[]string{"invoice", "charge", "refund", "billing", "payment", "price"}, domain.CategoryBilling},
	{[]string{"error", "crash", "bug", "login", "broken", "fail"}, domain.CategoryTechnical},
	{[]string{"feature", "request", "would be nice", "suggest", "add support"}, domain.CategoryFeature},
}

func (m *Mock) Classify(ctx context.Context, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lower := strings.ToLower(content)

	c := domain.FallbackClassification()
	for _, k := range mockKeywords {
		if containsAny(lower, k.words...) {
			c.Category = k.category
			break
		}
	}
	switch {
	case containsAny(lower, "urgent", "asap", "immediately", "down", "angry"):
		c.Urgency = domain.UrgencyHigh
		c.Sentiment = 2
	case containsAny(lower, "thanks", "love", "great"):
		c.Urgency = domain.UrgencyLow
		c.Sentiment = 8
	}

	raw, err := json.Marshal(c)
	return string(raw), err
}

func (m *Mock) Draft(ctx context.Context, content string, c domain.Classification) (DraftStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := "Hello, thank you for reaching out. We have filed your " +
		strings.ToLower(string(c.Category)) + " request and a member of our team will follow up shortly."
	if c.Urgency == domain.UrgencyHigh {
		reply += " We are treating this as a priority."
	}
	return &mockStream{ctx: ctx, words: strings.SplitAfter(reply, " "), delay: m.chunkDelay}, nil
}

type mockStream struct {
	ctx   context.Context
	words []string
	delay time.Duration
}

func (s *mockStream) Next() (string, error) {
	if len(s.words) == 0 {
		return "", io.EOF
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return "", s.ctx.Err()
		case <-timer.C:
		}
	}
	next := s.words[0]
	s.words = s.words[1:]
	return next, nil
}

func (s *mockStream) Close() error { return nil }

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
