package adapter

import (
	"bytes"
)

// sseEvent is one parsed server-sent event. Name is empty for bare data
// events; Data is the concatenation of the event's data lines.
type sseEvent struct {
	Name string
	Data []byte
}

// sseParser accumulates bytes across chunk boundaries and yields complete
// events. Partial events stay buffered until their terminating blank line
// arrives.
type sseParser struct {
	buf bytes.Buffer
}

// Feed appends chunk and returns every event completed by it.
func (p *sseParser) Feed(chunk []byte) []sseEvent {
	p.buf.Write(chunk)

	var events []sseEvent
	for {
		raw := p.buf.Bytes()
		idx := bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			// Tolerate CRLF framing.
			idx = bytes.Index(raw, []byte("\r\n\r\n"))
			if idx < 0 {
				return events
			}
		}
		block := make([]byte, idx)
		copy(block, raw[:idx])
		p.buf.Next(idx + sepLen(raw[idx:]))

		if ev, ok := parseEventBlock(block); ok {
			events = append(events, ev)
		}
	}
}

func sepLen(rest []byte) int {
	if bytes.HasPrefix(rest, []byte("\r\n\r\n")) {
		return 4
	}
	return 2
}

func parseEventBlock(block []byte) (sseEvent, bool) {
	var ev sseEvent
	var data [][]byte
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimSpace(line[len("data:"):]))
		}
	}
	if ev.Name == "" && len(data) == 0 {
		return ev, false
	}
	ev.Data = bytes.Join(data, []byte("\n"))
	return ev, true
}
