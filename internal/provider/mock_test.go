package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/spec-kit/triage-service/internal/domain"
)

func TestMockClassifyIsParseable(t *testing.T) {
	mock := NewMock(0)
	cases := []struct {
		content  string
		category domain.Category
		urgency  domain.Urgency
	}{
		{"I was charged twice, need a refund ASAP", domain.CategoryBilling, domain.UrgencyHigh},
		{"The app crashes on login", domain.CategoryTechnical, domain.UrgencyMedium},
		{"Feature request: dark mode, thanks!", domain.CategoryFeature, domain.UrgencyLow},
		{"Just saying hello to the team", domain.CategoryOther, domain.UrgencyMedium},
	}
	for _, tc := range cases {
		raw, err := mock.Classify(context.Background(), tc.content)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		got, err := ParseClassification(raw)
		if err != nil {
			t.Fatalf("ParseClassification(%s): %v", raw, err)
		}
		if got.Category != tc.category || got.Urgency != tc.urgency {
			t.Errorf("%q => %+v", tc.content, got)
		}
	}
}

func TestMockDraftStreamsWholeReply(t *testing.T) {
	stream, err := NewMock(0).Draft(context.Background(), "x", domain.Classification{
		Category: domain.CategoryBilling, Urgency: domain.UrgencyHigh, Sentiment: 2,
	})
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	var b strings.Builder
	count := 0
	for {
		fragment, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil || fragment == "" {
			t.Fatalf("fragment %q err %v", fragment, err)
		}
		b.WriteString(fragment)
		count++
	}
	if count < 2 || !strings.Contains(b.String(), "billing request") || !strings.HasSuffix(b.String(), "priority.") {
		t.Fatalf("reply = %q in %d fragments", b.String(), count)
	}
}

func TestMockDraftHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := NewMock(time.Hour).Draft(ctx, "x", domain.FallbackClassification())
	cancel()
	if _, err := stream.Next(); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
