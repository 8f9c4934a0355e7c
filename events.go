package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"unicode/utf8"

	"perplexity-relay/internal/constants"
)

// maxEventLineSize bounds a single upstream line. Completion chunks are small
// but citations and search results can make individual frames large.
const maxEventLineSize = 4 * 1024 * 1024

// ErrMalformedEvent ends a stream whose upstream line is not valid UTF-8.
var ErrMalformedEvent = errors.New("upstream event is not valid UTF-8")

// FormatEvent turns one upstream line into an outbound server-sent event
// frame. An existing "data: " prefix is stripped so it is not doubled. The
// second return value is false for blank lines, which only separate upstream
// frames and produce no output.
func FormatEvent(line []byte) ([]byte, bool) {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, false
	}
	payload := bytes.TrimPrefix(line, []byte(constants.EventDataPrefix))

	frame := make([]byte, 0, len(constants.EventDataPrefix)+len(payload)+len(constants.EventTerminator))
	frame = append(frame, constants.EventDataPrefix...)
	frame = append(frame, payload...)
	frame = append(frame, constants.EventTerminator...)
	return frame, true
}

// EventStream reads an upstream body line by line and yields outbound event
// frames on demand. It is finite, ending when the upstream closes its body,
// and cannot be restarted: once Next returns false it always returns false.
//
//	stream := NewEventStream(resp.Body)
//	defer stream.Close()
//	for stream.Next() {
//		w.Write(stream.Frame())
//	}
//	if err := stream.Err(); err != nil { ... }
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	frame   []byte
	count   int
	done    bool
	err     error
}

// NewEventStream wraps body. The stream owns body and closes it on Close.
func NewEventStream(body io.ReadCloser) *EventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineSize)
	scanner.Split(scanEventLines)
	return &EventStream{body: body, scanner: scanner}
}

// scanEventLines splits on "\n", "\r\n" or a bare "\r", the line endings
// the event-stream format allows.
func scanEventLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		switch b {
		case '\n':
			return i + 1, data[:i], nil
		case '\r':
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if !atEOF {
				// Need one more byte to tell "\r\n" from a bare "\r".
				return 0, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Next advances to the next non-blank upstream line. It blocks until a line
// is available or the body ends. A line that is not valid UTF-8 ends the
// stream with ErrMalformedEvent.
func (s *EventStream) Next() bool {
	if s.done {
		return false
	}
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if !utf8.Valid(line) {
			s.err = ErrMalformedEvent
			break
		}
		frame, ok := FormatEvent(line)
		if !ok {
			continue
		}
		s.frame = frame
		s.count++
		return true
	}
	s.done = true
	s.frame = nil
	return false
}

// Frame returns the frame produced by the last successful call to Next.
func (s *EventStream) Frame() []byte {
	return s.frame
}

// Count returns the number of frames produced so far.
func (s *EventStream) Count() int {
	return s.count
}

// Err returns the first read or decoding error, or nil if the body ended
// cleanly.
func (s *EventStream) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.scanner.Err()
}

// Close releases the upstream body and ends the stream.
func (s *EventStream) Close() error {
	s.done = true
	s.frame = nil
	return s.body.Close()
}
