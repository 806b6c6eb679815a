// Package transport delivers chat events to clients over SSE and websockets.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/vaultchat/internal/chat"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// DoneSentinel terminates every SSE stream.
const DoneSentinel = "[DONE]"

// SSEWriter writes server-sent event frames and flushes after each one.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers on w.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteData writes an untyped frame. Multi-line payloads are split across data lines.
func (s *SSEWriter) WriteData(data string) error {
	return s.writeFrame("", data)
}

// WriteEvent writes a named frame.
func (s *SSEWriter) WriteEvent(event, data string) error {
	return s.writeFrame(event, data)
}

// WriteJSON writes a named frame carrying v as JSON.
func (s *SSEWriter) WriteJSON(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return s.writeFrame(event, string(data))
}

// Done writes the terminal sentinel frame.
func (s *SSEWriter) Done() error {
	return s.writeFrame("", DoneSentinel)
}

func (s *SSEWriter) writeFrame(event, data string) error {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", strings.TrimSuffix(line, "\r"))
	}
	b.WriteString("\n")

	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type toolCallFrame struct {
	Name string `json:"name"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// WriteChatEvent writes ev as one frame.
func (s *SSEWriter) WriteChatEvent(ev chat.Event) error {
	switch ev.Kind {
	case chat.EventText:
		return s.WriteData(ev.Text)
	case chat.EventToolCall:
		return s.WriteJSON(ev.Kind.String(), toolCallFrame{Name: ev.ToolName})
	case chat.EventActionCard:
		return s.WriteJSON(ev.Kind.String(), ev.Card)
	case chat.EventMetadata:
		return s.WriteJSON(ev.Kind.String(), ev.Metadata)
	case chat.EventError:
		return s.WriteJSON(ev.Kind.String(), errorFrame{Error: errorMessage(ev.Err)})
	default:
		return nil
	}
}

// StreamSSE copies events to w until the channel closes, then writes the
// sentinel. A failed write gets a best-effort error frame and stops the copy;
// the producer sees ctx canceled once the client is gone. Panics are logged
// and end the stream.
func StreamSSE(ctx context.Context, w *SSEWriter, events <-chan chat.Event, logger *slog.Logger) (err error) {
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("SSE stream panic", "panic", r)
			err = fmt.Errorf("sse stream panic: %v", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return w.Done()
			}
			if err := w.WriteChatEvent(ev); err != nil {
				logger.Debug("SSE write failed", "error", err)
				_ = w.WriteJSON(chat.EventError.String(), errorFrame{Error: "stream write failed"})
				return err
			}
		}
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
