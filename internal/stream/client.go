package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ActiveFunc reports whether the caller still considers a run active
type ActiveFunc func(runID string) bool

// Config configures the stream client
type Config struct {
	BaseURL  string
	TenantID string

	// HTTPClient must not carry a Timeout; streams stay open for hours.
	HTTPClient *http.Client

	// Backoff defaults to min(20s, 1s*1.35^attempt).
	Backoff Backoff

	// StillActive defaults to always true. Transient end events are only
	// retried while it returns true.
	StillActive ActiveFunc

	// BufferSize is the capacity of each attachment's event channel.
	BufferSize int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Backoff == nil {
		c.Backoff = calculateBackoff
	}
	if c.StillActive == nil {
		c.StillActive = func(string) bool { return true }
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client opens live event streams for runs
type Client struct {
	cfg Config
}

// NewClient creates a stream client
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{cfg: cfg}
}

// Session is a snapshot of one attachment's reconnect state
type Session struct {
	RunID     string
	Cursor    int64
	Attempt   int
	Connected bool
}

// Attachment is one live subscription to a run. Attachments are
// independent: two attachments to the same run do not share a cursor.
type Attachment struct {
	client *Client
	runID  string
	cursor *Cursor
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	log    *slog.Logger

	mu        sync.Mutex
	attempt   int
	connected bool
}

// Attach starts streaming runID from the event after resumeFrom. Events are
// delivered on Events() until a genuine end event, Close, or ctx is done.
func (c *Client) Attach(ctx context.Context, runID string, resumeFrom int64) *Attachment {
	ctx, cancel := context.WithCancel(ctx)
	a := &Attachment{
		client: c,
		runID:  runID,
		cursor: NewCursor(resumeFrom),
		events: make(chan Event, c.cfg.BufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    c.cfg.Logger.With("run_id", runID),
	}
	go a.run(ctx)
	return a
}

// Events returns the delivery channel. It is closed when the attachment ends.
func (a *Attachment) Events() <-chan Event {
	return a.events
}

// Done is closed once the attachment has stopped
func (a *Attachment) Done() <-chan struct{} {
	return a.done
}

// Close cancels any pending reconnect and the open connection
func (a *Attachment) Close() {
	a.cancel()
	<-a.done
}

// RunID returns the attached run
func (a *Attachment) RunID() string {
	return a.runID
}

// Session returns the current cursor and reconnect attempt
func (a *Attachment) Session() Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Session{RunID: a.runID, Cursor: a.cursor.Value(), Attempt: a.attempt, Connected: a.connected}
}

func (a *Attachment) run(ctx context.Context) {
	defer close(a.done)
	defer close(a.events)

	for {
		end, err := a.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, ErrTransientEnd):
			if !a.client.cfg.StillActive(a.runID) {
				end.Transient = true
				a.emit(ctx, Event{Type: EventEnd, End: end})
				return
			}
			a.log.Debug("stream: transient end", "reason", end.Reason, "status", end.Status, "source", end.Source)
		case end != nil:
			a.emit(ctx, Event{Type: EventEnd, End: end})
			return
		case err != nil:
			a.log.Debug("stream: disconnected", "error", err)
		}

		a.mu.Lock()
		attempt := a.attempt
		a.attempt++
		a.connected = false
		a.mu.Unlock()

		delay := a.client.cfg.Backoff(attempt)
		a.log.Info("stream: reconnecting", "attempt", attempt+1, "delay", delay, "cursor", a.cursor.Value())
		a.emit(ctx, Event{Type: EventReconnect, Attempt: attempt + 1, Data: delay.String()})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce holds one connection open until it drops or an end event
// arrives. It returns the end payload, or an error describing the drop.
func (a *Attachment) connectOnce(ctx context.Context) (*End, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.streamURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := a.client.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &End{Reason: "not_found"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stream returned %d", resp.StatusCode)
	}

	fr := newFrameReader(resp.Body)
	for {
		f, err := fr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		switch EventType(f.Event) {
		case EventHello:
			a.mu.Lock()
			a.attempt = 0
			a.connected = true
			a.mu.Unlock()
			a.emit(ctx, Event{Type: EventHello, Data: f.Data})

		case EventLine, "message":
			if f.HasID && !a.cursor.Advance(f.ID) {
				continue
			}
			a.dispatchLine(ctx, f)

		case EventProgress:
			if f.HasID && !a.cursor.Advance(f.ID) {
				continue
			}
			p, err := parseProgress(f.Data)
			if err != nil {
				a.log.Warn("stream: invalid progress payload", "error", err)
				continue
			}
			a.emit(ctx, Event{Type: EventProgress, ID: f.ID, Progress: p})

		case EventEnd:
			end := parseEnd(f.Data)
			if ClassifyEnd(end) == EndTransient {
				return &end, ErrTransientEnd
			}
			return &end, nil
		}
	}
}

func (a *Attachment) dispatchLine(ctx context.Context, f frame) {
	text := strings.TrimSpace(f.Data)
	switch {
	case text == HeartbeatLine:
		return
	case strings.HasPrefix(text, ProgressLinePrefix):
		p, err := parseProgress(strings.TrimSpace(strings.TrimPrefix(text, ProgressLinePrefix)))
		if err != nil {
			return
		}
		a.emit(ctx, Event{Type: EventProgress, ID: f.ID, Progress: p})
		return
	}
	a.emit(ctx, Event{Type: EventLine, ID: f.ID, Data: f.Data})
}

func (a *Attachment) emit(ctx context.Context, ev Event) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

func (a *Attachment) streamURL() string {
	q := url.Values{}
	q.Set("afterEventId", strconv.FormatInt(a.cursor.Value(), 10))
	if a.client.cfg.TenantID != "" {
		q.Set("tenantId", a.client.cfg.TenantID)
	}
	return a.client.cfg.BaseURL + "/stream/" + url.PathEscape(a.runID) + "?" + q.Encode()
}
