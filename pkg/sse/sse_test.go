package sse

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func collect(t *testing.T, input string) []Event {
	t.Helper()
	scanner := NewScanner(strings.NewReader(input))
	var events []Event
	for scanner.Next() {
		events = append(events, scanner.Event())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	return events
}

func TestScannerEvents(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []Event
	}{
		{
			name:  "single",
			input: "data: {\"a\":1}\n\n",
			want:  []Event{{Data: `{"a":1}`}},
		},
		{
			name:  "typed with id",
			input: "event: ping\nid: 7\ndata: x\n\n",
			want:  []Event{{Type: "ping", ID: "7", Data: "x"}},
		},
		{
			name:  "multi line data",
			input: "data: one\ndata: two\n\n",
			want:  []Event{{Data: "one\ntwo"}},
		},
		{
			name:  "comments and crlf",
			input: ": keep-alive\r\n\r\ndata:tight\r\n\r\n",
			want:  []Event{{Data: "tight"}},
		},
		{
			name:  "trailing event without blank line",
			input: "data: first\n\ndata: last",
			want:  []Event{{Data: "first"}, {Data: "last"}},
		},
		{
			name:  "empty",
			input: "",
			want:  nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := collect(t, tc.input)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d events %+v, want %+v", len(got), got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("event %d = %+v, want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestScannerReportsReadError(t *testing.T) {
	scanner := NewScanner(failingReader{})
	if scanner.Next() {
		t.Fatal("Next should fail")
	}
	if scanner.Err() == nil {
		t.Fatal("expected read error")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteComment(&buf, "heartbeat"); err != nil {
		t.Fatalf("WriteComment: %v", err)
	}
	if err := WriteData(&buf, []byte(`{"type":"TICKET_PARTIAL"}`)); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := WriteData(&buf, []byte("a\nb")); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if !strings.HasPrefix(buf.String(), ": heartbeat\n\ndata: {") {
		t.Fatalf("framing = %q", buf.String())
	}

	got := collect(t, buf.String())
	if len(got) != 2 || got[0].Data != `{"type":"TICKET_PARTIAL"}` || got[1].Data != "a\nb" {
		t.Fatalf("got = %+v", got)
	}
}
