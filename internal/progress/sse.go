package progress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Frame is one dispatched server-sent event.
type Frame struct {
	ID    string
	Event string
	Data  string
	Retry time.Duration
}

// Stream yields frames from one open connection. Next blocks until a frame
// arrives, the stream ends (io.EOF) or Close is called.
type Stream interface {
	Next() (Frame, error)
	Close() error
}

// Source opens one-way streams. lastEventID is empty on the first open.
type Source interface {
	Open(ctx context.Context, url, lastEventID string) (Stream, error)
}

// StatusError is returned when the server answers the stream request with
// something other than an event stream.
type StatusError struct {
	StatusCode  int
	ContentType string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("progress: stream rejected: status %d, content-type %q", e.StatusCode, e.ContentType)
}

// maxLineSize bounds a single SSE line.
const maxLineSize = 1 << 20

// SSESource opens text/event-stream responses over HTTP.
type SSESource struct {
	Client *http.Client
	// Token, when set, is sent as a bearer token.
	Token string
}

// Open implements Source.
func (s SSESource) Open(ctx context.Context, url, lastEventID string) (Stream, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("progress: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("progress: open %s: %w", url, err)
	}
	ct := resp.Header.Get("Content-Type")
	mt, _, _ := mime.ParseMediaType(ct)
	if resp.StatusCode != http.StatusOK || mt != "text/event-stream" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, ContentType: ct}
	}
	return NewDecoder(resp.Body), nil
}

// Decoder parses the text/event-stream format from r.
type Decoder struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	lastID  string
}

// NewDecoder wraps r. Closing the decoder closes r.
func NewDecoder(r io.ReadCloser) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Decoder{body: r, scanner: sc}
}

// Next returns the next dispatched event. Comments and empty events are
// skipped; the id persists across events until changed.
func (d *Decoder) Next() (Frame, error) {
	var (
		data    strings.Builder
		hasData bool
		frame   Frame
	)
	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")

		if line == "" {
			if !hasData {
				frame = Frame{}
				continue
			}
			frame.ID = d.lastID
			frame.Data = data.String()
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			frame.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				d.lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				frame.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// LastEventID returns the most recent id seen on the stream.
func (d *Decoder) LastEventID() string { return d.lastID }

// Close closes the underlying body.
func (d *Decoder) Close() error {
	if err := d.body.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}
