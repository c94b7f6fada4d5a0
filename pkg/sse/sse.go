// Package sse reads and writes text/event-stream framing.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

// Event is one dispatched record.
type Event struct {
	Type string
	ID   string
	Data string
}

// Scanner splits a stream into events. Comment lines and unknown fields are
// skipped; multiple data lines are joined with "\n".
type Scanner struct {
	reader *bufio.Reader
	event  Event
	err    error
	done   bool
}

// NewScanner reads events from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at end of stream or on
// error; Err tells the two apart.
func (s *Scanner) Next() bool {
	if s.done {
		return false
	}
	var (
		data    []string
		hasData bool
		pending Event
	)
	flush := func() bool {
		if !hasData {
			pending = Event{}
			return false
		}
		pending.Data = strings.Join(data, "\n")
		s.event = pending
		return true
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.done = true
			if !errors.Is(err, io.EOF) {
				s.err = err
				return false
			}
			return flush()
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if flush() {
				return true
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			pending.Type = value
		case "id":
			pending.ID = value
		}
	}
}

// Event returns the event read by the last successful Next.
func (s *Scanner) Event() Event { return s.event }

// Err returns the read error that stopped the scanner, or nil on clean EOF.
func (s *Scanner) Err() error { return s.err }

// WriteData writes payload as one data-only event. Payloads containing
// newlines are split across data lines.
func WriteData(w io.Writer, payload []byte) error {
	var buf bytes.Buffer
	for _, line := range bytes.Split(payload, []byte{'\n'}) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteComment writes a comment line, used as a keep-alive.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
