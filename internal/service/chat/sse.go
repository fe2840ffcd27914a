package chat

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

const doneSentinel = "[DONE]"

// Sink receives reply fragments for the client.
type Sink interface {
	Send(fragment string) error
	Done() error
}

// SSEWriter writes fragments as server-sent events and flushes after each.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func NewSSEWriter(w io.Writer) *SSEWriter {
	s := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// SetHeaders prepares a response for event streaming.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Send frames a fragment; embedded newlines become consecutive data: lines
// so the client rejoins them with "\n".
func (s *SSEWriter) Send(fragment string) error {
	var b strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(fragment, "\r\n", "\n"), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return s.write(b.String())
}

func (s *SSEWriter) Done() error {
	return s.write("data: " + doneSentinel + "\n\n")
}

func (s *SSEWriter) write(frame string) error {
	if _, err := io.WriteString(s.w, frame); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// guardedSink stops forwarding after the first write failure and emits the
// terminal sentinel at most once.
type guardedSink struct {
	sink Sink
	err  error
	done bool
}

func (g *guardedSink) Send(fragment string) error {
	if g.err != nil {
		return g.err
	}
	g.err = g.sink.Send(fragment)
	return g.err
}

func (g *guardedSink) Done() error {
	if g.done {
		return nil
	}
	g.done = true
	if g.err != nil {
		return g.err
	}
	g.err = g.sink.Done()
	return g.err
}

func (g *guardedSink) broken() bool { return g.err != nil }
