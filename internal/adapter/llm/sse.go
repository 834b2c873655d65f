package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"alfred-ai/internal/domain"
)

// parseSSEStream reads an SSE body and converts each event frame into zero
// or more normalized StreamEvents via parseFrame. A frame is the data: lines
// between blank-line delimiters, joined with "\n" per the SSE spec; this
// tolerates providers that split one JSON payload across multiple data:
// lines. The SSE spec permits LF, CR, and CRLF as line terminators, so
// scanning uses scanSSELines rather than bufio.ScanLines, which only
// recognizes LF and CRLF and would never split a bare-CR-terminated frame.
// The returned channel is closed when the stream ends, the body closes, or
// ctx is cancelled.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseFrame func(data []byte) ([]domain.StreamEvent, error)) <-chan domain.StreamEvent {
	ch := make(chan domain.StreamEvent, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(scanSSELines)

		var dataLines []string
		flush := func() bool {
			if len(dataLines) == 0 {
				return true
			}
			data := strings.Join(dataLines, "\n")
			dataLines = dataLines[:0]

			if data == "[DONE]" {
				return send(ctx, ch, domain.StreamEvent{Kind: domain.StreamDone})
			}

			events, err := parseFrame([]byte(data))
			if err != nil {
				// Malformed frame: skip it rather than aborting the stream.
				return true
			}
			for _, ev := range events {
				if !send(ctx, ch, ev) {
					return false
				}
			}
			return true
		}

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Text()

			if line == "" {
				if !flush() {
					return
				}
				continue
			}
			if strings.HasPrefix(line, ":") {
				continue // comment
			}
			if data, ok := cutPrefix(line, "data:"); ok {
				dataLines = append(dataLines, strings.TrimPrefix(data, " "))
				continue
			}
			// Other fields (event:, id:, retry:) carry no information our
			// providers need; the JSON payload's own "type" field does the
			// same job.
		}
		flush()

		if err := scanner.Err(); err != nil {
			send(ctx, ch, domain.StreamEvent{Kind: domain.StreamError, Err: err})
		}
	}()
	return ch
}

// scanSSELines is a bufio.SplitFunc like bufio.ScanLines but also treats a
// bare CR (one not followed by LF) as a line terminator, per the SSE
// spec's line-ending rule (LF, CR, or CRLF). A trailing CR with nothing
// after it yet is held back unless atEOF, since it may turn out to be the
// first half of a CRLF pair once more data arrives.
func scanSSELines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	i := bytes.IndexAny(data, "\r\n")
	if i < 0 {
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
	if data[i] == '\n' {
		return i + 1, data[:i], nil
	}
	// data[i] == '\r'
	if i+1 < len(data) {
		if data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return i + 1, data[:i], nil
	}
	return 0, nil, nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func send(ctx context.Context, ch chan<- domain.StreamEvent, ev domain.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
