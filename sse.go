package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"nurunuru-server/internal/stream"
	"nurunuru-server/internal/types"
)

var _ stream.Sink = (*sseSink)(nil)

// sseSink frames bridge output as Server-Sent Events. Each frame is flushed
// immediately so intermediaries do not buffer the stream.
type sseSink struct {
	w       io.Writer
	flusher http.Flusher
}

func newSSESink(w io.Writer, flusher http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: flusher}
}

// setSSEHeaders must run before the first write
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (s *sseSink) Event(evt types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.write("data: %s\n\n", data)
}

func (s *sseSink) Heartbeat() error {
	return s.write(": heartbeat\n\n")
}

func (s *sseSink) Error(msg string) error {
	data, _ := json.Marshal(map[string]string{"error": strings.TrimSpace(msg)})
	return s.write("event: error\ndata: %s\n\n", data)
}

func (s *sseSink) write(format string, args ...any) error {
	if _, err := fmt.Fprintf(s.w, format, args...); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
