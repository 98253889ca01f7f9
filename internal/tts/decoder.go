package tts

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EventKind tags a decoded wire event
type EventKind int

const (
	EventAudio     EventKind = iota // Decoded PCM payload
	EventDone                       // End-of-stream sentinel
	EventError                      // Server-reported error
	EventStatus                     // Informational status
	EventConfigAck                  // Server acknowledged the sampling config
)

func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	case EventStatus:
		return "status"
	case EventConfigAck:
		return "config"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one logical unit extracted from the response stream
type Event struct {
	Kind    EventKind
	Audio   []byte // Raw PCM for EventAudio
	Message string // Server message for error and status events
}

const (
	sseDataPrefix = "data:"
	sseDoneMarker = "[DONE]"
)

var sseDelimiter = []byte("\n\n")

// eventPayload is the JSON record carried on a data line
type eventPayload struct {
	Audio   *string `json:"audio"`
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Error   string  `json:"error"`
}

// Decoder incrementally extracts events from a Server-Sent Events byte
// stream. Partial events are kept until their delimiter arrives, so the
// result does not depend on how the transport fragments the stream.
// A Decoder is owned by a single session and is not safe for concurrent use.
type Decoder struct {
	buffer   []byte
	done     bool
	warnings []error
}

// NewDecoder creates an empty decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes a fragment of any length and returns the events it completed.
// After the done marker no further events are produced.
func (d *Decoder) Feed(p []byte) []Event {
	if d.done {
		return nil
	}
	d.buffer = append(d.buffer, p...)

	var events []Event
	for !d.done {
		idx := bytes.Index(d.buffer, sseDelimiter)
		if idx < 0 {
			break
		}
		raw := d.buffer[:idx]
		d.buffer = d.buffer[idx+len(sseDelimiter):]
		events = append(events, d.parseEvent(raw)...)
	}

	if d.done || len(d.buffer) == 0 {
		d.buffer = nil
	}
	return events
}

// Done reports whether the end-of-stream marker was seen
func (d *Decoder) Done() bool {
	return d.done
}

// Buffered returns the number of bytes held waiting for a delimiter
func (d *Decoder) Buffered() int {
	return len(d.buffer)
}

// Warnings returns the non-fatal decode problems seen so far
func (d *Decoder) Warnings() []error {
	return d.warnings
}

func (d *Decoder) parseEvent(raw []byte) []Event {
	var events []Event
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte(sseDataPrefix)) {
			continue
		}
		data := line[len(sseDataPrefix):]
		data = bytes.TrimPrefix(data, []byte(" "))

		if string(data) == sseDoneMarker {
			d.done = true
			return append(events, Event{Kind: EventDone})
		}

		if ev, ok := d.parsePayload(data); ok {
			events = append(events, ev)
		}
		if d.done {
			return events
		}
	}
	return events
}

func (d *Decoder) parsePayload(data []byte) (Event, bool) {
	var payload eventPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		d.warnings = append(d.warnings, fmt.Errorf("failed to parse SSE data: %w", err))
		return Event{}, false
	}

	if payload.Audio != nil {
		pcm, err := base64.StdEncoding.DecodeString(*payload.Audio)
		if err != nil {
			d.warnings = append(d.warnings, fmt.Errorf("failed to decode audio payload: %w", err))
			return Event{}, false
		}
		return Event{Kind: EventAudio, Audio: pcm}, true
	}

	switch payload.Type {
	case "error":
		msg := payload.Message
		if msg == "" {
			msg = payload.Error
		}
		if msg == "" {
			msg = "Unknown error"
		}
		return Event{Kind: EventError, Message: msg}, true
	case "status":
		return Event{Kind: EventStatus, Message: payload.Message}, true
	case "config":
		return Event{Kind: EventConfigAck, Message: payload.Message}, true
	case "done":
		d.done = true
		return Event{Kind: EventDone}, true
	}
	return Event{}, false
}
