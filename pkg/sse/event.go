// Package sse implements the text/event-stream grammar and the relay that
// re-emits upstream event streams to connector clients, either buffered into
// one body or incrementally event by event.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Event represents a standard Server-Sent Event.
type Event struct {
	ID    string
	Type  string
	Data  []byte
	Retry int
}

// ParseEvent parses one complete event block (the lines up to a blank line)
// per the event-stream grammar: comments are ignored, multiple data lines are
// joined with newlines, a single space after the field colon is consumed.
func ParseEvent(raw []byte) (*Event, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	event := &Event{}
	var dataBuffer bytes.Buffer
	hasData := false

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Comment line.
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			event.ID = value
		case "event":
			event.Type = value
		case "data":
			if hasData {
				dataBuffer.WriteString("\n")
			}
			dataBuffer.WriteString(value)
			hasData = true
		case "retry":
			if i, err := strconv.Atoi(value); err == nil {
				event.Retry = i
			}
		}
		// Unrecognized fields are ignored per the grammar.
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event block: %w", err)
	}

	event.Data = dataBuffer.Bytes()
	return event, nil
}

// SerializeEvent converts an Event back to wire format, terminated by the
// standard blank line.
func SerializeEvent(e *Event) []byte {
	var buf bytes.Buffer

	if e.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", e.ID)
	}
	if e.Type != "" {
		fmt.Fprintf(&buf, "event: %s\n", e.Type)
	}
	if e.Retry > 0 {
		fmt.Fprintf(&buf, "retry: %d\n", e.Retry)
	}

	if len(e.Data) > 0 {
		for _, line := range strings.Split(string(e.Data), "\n") {
			fmt.Fprintf(&buf, "data: %s\n", line)
		}
	} else {
		buf.WriteString("data: \n")
	}

	buf.WriteString("\n")
	return buf.Bytes()
}
