package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spec-kit/triage-service/internal/domain"
)

func TestOpenAIClassify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" || req.Stream {
			t.Errorf("request = %+v", req)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "refund please") {
			t.Errorf("messages = %+v", req.Messages)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"category\":\"Billing\",\"urgency\":\"Low\",\"sentiment\":6}"}}]}`)
	}))
	defer server.Close()

	client := NewOpenAI(server.Client(), server.URL+"/", "sk-test", "gpt-test")
	raw, err := client.Classify(context.Background(), "refund please")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	got, err := ParseClassification(raw)
	if err != nil || got.Category != domain.CategoryBilling || got.Sentiment != 6 {
		t.Fatalf("got %+v, %v", got, err)
	}
}

func TestOpenAIErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit","message":"slow down"}}`)
	}))
	defer server.Close()

	_, err := NewOpenAI(server.Client(), server.URL, "", "m").Classify(context.Background(), "x")
	var providerErr *Error
	if !errors.As(err, &providerErr) {
		t.Fatalf("err = %v", err)
	}
	if providerErr.StatusCode != 429 || !providerErr.Temporary() || providerErr.Message != "slow down" {
		t.Fatalf("providerErr = %+v", providerErr)
	}
}

func TestOpenAIDraftStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hello, "}}]}`,
			`{"choices":[{"delta":{"content":"we will help."}}]}`,
			`{"choices":[]}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	stream, err := NewOpenAI(server.Client(), server.URL, "", "m").Draft(context.Background(), "x", domain.FallbackClassification())
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	defer stream.Close()

	var fragments []string
	for {
		fragment, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		fragments = append(fragments, fragment)
	}
	if len(fragments) != 2 || fragments[0] != "Hello, " || fragments[1] != "we will help." {
		t.Fatalf("fragments = %q", fragments)
	}
}

func TestOpenAIDraftStreamTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
	}))
	defer server.Close()

	stream, err := NewOpenAI(server.Client(), server.URL, "", "m").Draft(context.Background(), "x", domain.FallbackClassification())
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	defer stream.Close()
	if fragment, err := stream.Next(); err != nil || fragment != "Hi" {
		t.Fatalf("first = %q, %v", fragment, err)
	}
	if _, err := stream.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want unexpected EOF", err)
	}
}

func TestOpenAIDraftStreamErrorChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"error\":{\"type\":\"server_error\",\"message\":\"overloaded\"}}\n\n")
	}))
	defer server.Close()

	stream, _ := NewOpenAI(server.Client(), server.URL, "", "m").Draft(context.Background(), "x", domain.FallbackClassification())
	defer stream.Close()
	if _, err := stream.Next(); err == nil || !strings.Contains(err.Error(), "overloaded") {
		t.Fatalf("err = %v", err)
	}
}
