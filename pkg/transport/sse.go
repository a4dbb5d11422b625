package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SSEParser parses Server-Sent Events streams
type SSEParser struct {
	reader *bufio.Reader
}

// NewSSEParser creates a new SSE parser
func NewSSEParser(r io.Reader) *SSEParser {
	return &SSEParser{
		reader: bufio.NewReader(r),
	}
}

// SSEEvent represents a Server-Sent Event
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// ReadEvent reads the next SSE event
func (p *SSEParser) ReadEvent() (*SSEEvent, error) {
	event := &SSEEvent{}
	var dataLines []string

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if line == "" {
			if len(dataLines) > 0 || event.Event != "" {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			continue
		}

		// Comment lines keep proxies from timing the connection out
		if strings.HasPrefix(line, ":") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			event.Event = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		case strings.HasPrefix(line, "id:"):
			event.ID = strings.TrimPrefix(strings.TrimPrefix(line, "id:"), " ")
		}
	}
}

// WriteEvent writes ev in SSE framing. The SSE event name is the event type
// and the data line is the JSON payload.
func WriteEvent(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	if ev.OperationID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.OperationID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// SSETransport opens turns against an HTTP agent runtime that answers with a
// text/event-stream body.
type SSETransport struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// SSEOption configures an SSETransport.
type SSEOption func(*SSETransport)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) SSEOption {
	return func(t *SSETransport) { t.client = c }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) SSEOption {
	return func(t *SSETransport) { t.headers[key] = value }
}

// NewSSETransport creates a transport for the runtime at baseURL. Turns are
// opened with POST {baseURL}/turns and interventions are sent to
// POST {baseURL}/turns/{operationID}/intervention.
func NewSSETransport(baseURL string, opts ...SSEOption) *SSETransport {
	t := &SSETransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 0},
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open posts the request and streams the decoded events.
func (t *SSETransport) Open(ctx context.Context, req Request) (Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/turns", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	stream := NewChannelStream(ctx)
	go t.pump(resp.Body, stream, req.OperationID)
	return stream, nil
}

func (t *SSETransport) pump(body io.ReadCloser, stream *ChannelStream, operationID string) {
	defer body.Close()

	go func() {
		<-stream.Done()
		_ = body.Close()
	}()

	parser := NewSSEParser(body)
	for {
		raw, err := parser.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				stream.Finish(nil)
			} else {
				stream.Finish(fmt.Errorf("read stream: %w", err))
			}
			return
		}
		if raw.Event == "" {
			continue
		}

		ev, err := Decode(EventType(raw.Event), []byte(raw.Data))
		if err != nil {
			stream.Finish(err)
			return
		}
		ev.OperationID = operationID
		ev.Timestamp = time.Now()

		if err := stream.Send(ev); err != nil {
			return
		}
	}
}

// Intervene forwards a human decision for a paused turn.
func (t *SSETransport) Intervene(ctx context.Context, operationID, action string, data map[string]any) error {
	body, err := json.Marshal(map[string]any{"action": action, "data": data})
	if err != nil {
		return fmt.Errorf("marshal intervention: %w", err)
	}

	url := fmt.Sprintf("%s/turns/%s/intervention", t.baseURL, operationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send intervention: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("send intervention: status %d", resp.StatusCode)
	}
	return nil
}
