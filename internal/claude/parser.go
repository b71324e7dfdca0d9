package claude

import (
	"bufio"
	"encoding/json"
	"io"
)

// maxLineSize bounds a single stream-json line. Tool results can embed whole
// files, so the limit is generous.
const maxLineSize = 10 * 1024 * 1024

// Parser turns a stream-json reader into events.
//
// The CLI writes one JSON object per line when run with --output-format
// stream-json. A Parser decodes each line into a [StreamEvent] and emits it
// as an [Event], in stream order.
//
// The returned channel is closed when:
//   - the reader reaches EOF, the normal end of a session
//   - the reader is closed underneath the parser
//   - a read error occurs, such as a line longer than the buffer
//
// Blank and malformed lines are skipped, so a partially written or corrupted
// line never stops the stream. Use [ParseSingle] when malformed input must be
// reported.
//
// Typical usage with a subprocess:
//
//	for event := range claude.NewParser().Parse(stdout) {
//	    if handler != nil {
//	        handler(event)
//	    }
//	}
type Parser interface {
	// Parse returns a channel of events that is closed when r is exhausted.
	// Blank and malformed lines are skipped.
	Parse(r io.Reader) <-chan Event
}

// DefaultParser implements [Parser] with a line scanner.
//
// BufferSize caps the length of a single line. Tool results can embed whole
// files, so the default is large; create parsers with [NewParser].
type DefaultParser struct {
	// BufferSize is the maximum line length. Zero means 10MB.
	BufferSize int
}

// NewParser creates a [DefaultParser] with the default buffer size.
func NewParser() *DefaultParser {
	return &DefaultParser{BufferSize: maxLineSize}
}

// Parse implements [Parser]. The reader is drained in a goroutine; a scanner
// error (such as an overlong line) ends the stream early.
func (p *DefaultParser) Parse(r io.Reader) <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)

		size := p.BufferSize
		if size <= 0 {
			size = maxLineSize
		}
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), size)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var raw StreamEvent
			if err := json.Unmarshal(line, &raw); err != nil {
				continue
			}
			events <- NewEventFromStream(&raw)
		}
	}()

	return events
}

// ParseSingle parses one stream-json line. Unlike [Parser.Parse] it reports
// malformed input.
func ParseSingle(line string) (Event, error) {
	var raw StreamEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, err
	}
	return NewEventFromStream(&raw), nil
}
