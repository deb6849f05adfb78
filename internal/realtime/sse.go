package realtime

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"
)

// SSESink writes text/event-stream frames to a buffered response writer and
// flushes after every frame.
type SSESink struct {
	w      *bufio.Writer
	mu     sync.Mutex
	closed bool
}

// NewSSESink wraps the stream writer handed out by fasthttp
func NewSSESink(w *bufio.Writer) *SSESink {
	return &SSESink{w: w}
}

// WriteEvent writes an event frame
func (s *SSESink) WriteEvent(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrConnectionClosed
	}
	if err := writeEventFrame(s.w, event, data); err != nil {
		return err
	}
	return s.w.Flush()
}

// WriteComment writes a comment frame
func (s *SSESink) WriteComment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrConnectionClosed
	}
	if err := writeCommentFrame(s.w, text); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close marks the sink closed. The underlying stream is finished by its owner.
func (s *SSESink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// writeEventFrame encodes one frame. Each line of data becomes its own data field.
func writeEventFrame(w io.Writer, event string, data []byte) error {
	var buf bytes.Buffer
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(singleLine(event))
		buf.WriteByte('\n')
	}

	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	_, err := w.Write(buf.Bytes())
	return err
}

func writeCommentFrame(w io.Writer, text string) error {
	_, err := io.WriteString(w, ": "+singleLine(text)+"\n\n")
	return err
}

func singleLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
