package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DoneSentinel terminates an SSE stream: `data: [DONE]`.
const DoneSentinel = "[DONE]"

// ErrMalformedFrame is returned when an SSE line is neither a field,
// a comment, nor blank. The offending line is attached, truncated.
var ErrMalformedFrame = errors.New("stream: malformed SSE frame")

// maxFrameErrLen bounds how much of a bad line ends up in the error.
const maxFrameErrLen = 256

// SSEEvent is one server-sent event: the event name (empty for plain
// data events) and the payload of a single data line.
type SSEEvent struct {
	Name string
	Data []byte
}

// SSEScanner parses a text/event-stream body one data frame at a time.
// Comment lines (leading ':') are ignored, blank lines delimit events,
// and the [DONE] sentinel ends the stream cleanly.
type SSEScanner struct {
	s     *bufio.Scanner
	event string
}

// NewSSEScanner wraps an SSE response body. The scanner tolerates frames
// up to 1 MiB.
func NewSSEScanner(r io.Reader) *SSEScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEScanner{s: s}
}

// Next returns the next data frame. io.EOF signals the end of the
// stream, either the [DONE] sentinel or the upstream closing the
// connection after a complete event.
func (sc *SSEScanner) Next() (*SSEEvent, error) {
	for sc.s.Scan() {
		line := strings.TrimRight(sc.s.Text(), "\r")
		switch {
		case line == "":
			// Event boundary; the event name does not carry over.
			sc.event = ""
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive.
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if payload == DoneSentinel {
				return nil, io.EOF
			}
			return &SSEEvent{Name: sc.event, Data: []byte(payload)}, nil
		case strings.HasPrefix(line, "event:"):
			sc.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
			// Valid SSE fields the kernel has no use for.
		default:
			return nil, fmt.Errorf("%w: %q", ErrMalformedFrame, truncate(line, maxFrameErrLen))
		}
	}
	if err := sc.s.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
