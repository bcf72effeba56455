package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// streamEvent is one parsed server-sent event from the chat stream.
type streamEvent struct {
	name string
	data string
}

// StreamChat opens the token stream for one generation and calls onDelta
// for every content fragment, in arrival order. It returns nil when the
// backend signals completion and an error on a transport failure or a
// server-sent error event. state_change events are skipped: phase is owned
// by the status poller, never by the stream.
//
// The call blocks until the stream ends or ctx is cancelled.
func (c *Client) StreamChat(ctx context.Context, chatID, message string, onDelta func(content string)) error {
	q := url.Values{"chat_id": {chatID}, "message": {message}}
	u := c.baseURL + "/api/v1/chats/stream?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streaming.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open chat stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("chat stream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var ev streamEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// Blank line terminates one event.
			done, err := c.dispatch(ev, onDelta)
			if done || err != nil {
				return err
			}
			ev = streamEvent{}
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data += strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("chat stream read failed: %w", err)
	}
	// Stream closed without a completion event: the final token batch may be
	// truncated. Treat as completed; the finalize resync corrects any gap.
	return nil
}

// dispatch handles one complete stream event. Returns done=true when the
// backend signalled the end of the generation.
func (c *Client) dispatch(ev streamEvent, onDelta func(string)) (bool, error) {
	switch ev.name {
	case "error":
		msg := ev.data
		var payload struct {
			Content string `json:"content"`
		}
		if json.Unmarshal([]byte(ev.data), &payload) == nil && payload.Content != "" {
			msg = payload.Content
		}
		return true, &RejectionError{Message: msg}
	case "state_change":
		if c.logger != nil {
			c.logger.Debug("stream state change skipped", zap.String("data", ev.data))
		}
		return false, nil
	case "message", "":
		if ev.data == "" {
			return false, nil
		}
		var payload struct {
			Content string `json:"content"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal([]byte(ev.data), &payload); err != nil {
			// Not JSON: older backends send bare token text.
			onDelta(ev.data)
			return false, nil
		}
		if payload.Content != "" {
			onDelta(payload.Content)
		}
		if payload.Status == "completed" {
			return true, nil
		}
		return false, nil
	default:
		return false, nil
	}
}
