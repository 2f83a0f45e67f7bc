package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// scriptedServer serves one scripted response per connection
type scriptedServer struct {
	t      *testing.T
	mu     sync.Mutex
	conns  int
	afters []int64
	script func(conn int, after int64, w *sseWriter)
}

type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *sseWriter) send(event string, id int64, data string) {
	if id > 0 {
		fmt.Fprintf(s.w, "id: %d\n", id)
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.f.Flush()
}

func (s *scriptedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("afterEventId"), 10, 64)

	s.mu.Lock()
	s.conns++
	conn := s.conns
	s.afters = append(s.afters, after)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.t.Fatal("streaming not supported")
	}
	s.script(conn, after, &sseWriter{w: w, f: flusher})
}

func (s *scriptedServer) afterIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.afters...)
}

type backoffRecorder struct {
	mu       sync.Mutex
	attempts []int
}

func (b *backoffRecorder) delay(attempt int) time.Duration {
	b.mu.Lock()
	b.attempts = append(b.attempts, attempt)
	b.mu.Unlock()
	return time.Millisecond
}

func (b *backoffRecorder) get() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.attempts...)
}

func collect(t *testing.T, a *Attachment) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-a.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for stream to end")
		}
	}
}

func TestAttach_ReconnectsWithoutGaps(t *testing.T) {
	const total = 30

	srv := &scriptedServer{t: t}
	srv.script = func(conn int, after int64, w *sseWriter) {
		w.send("hello", 0, "attached")
		if after >= total {
			w.send("end", 0, `{"ok":true}`)
			return
		}
		// Replay a little before the cursor to simulate a racing writer,
		// then drop the connection after a few events.
		start := after - 1
		if start < 1 {
			start = 1
		}
		for id := start; id <= total && id < start+7; id++ {
			w.send("line", id, "line "+strconv.FormatInt(id, 10))
		}
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	rec := &backoffRecorder{}
	c := NewClient(Config{BaseURL: ts.URL, Backoff: rec.delay})
	a := c.Attach(context.Background(), "r1", 0)

	events := collect(t, a)

	var ids []int64
	var sawEnd bool
	for _, ev := range events {
		switch ev.Type {
		case EventLine:
			ids = append(ids, ev.ID)
		case EventEnd:
			sawEnd = true
			if !ev.End.Succeeded() {
				t.Errorf("end = %+v, want ok", ev.End)
			}
		}
	}

	if !sawEnd {
		t.Fatal("no end event delivered")
	}
	if len(ids) != total {
		t.Fatalf("got %d line events, want %d: %v", len(ids), total, ids)
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("ids[%d] = %d, want %d (ids=%v)", i, id, i+1, ids)
		}
	}

	afters := srv.afterIDs()
	for i := 1; i < len(afters); i++ {
		if afters[i] < afters[i-1] {
			t.Errorf("afterEventId went backwards: %v", afters)
		}
	}
	if s := a.Session(); s.Cursor != total {
		t.Errorf("Session().Cursor = %d, want %d", s.Cursor, total)
	}
}

func TestAttach_TransientEndReconnects(t *testing.T) {
	srv := &scriptedServer{t: t}
	srv.script = func(conn int, after int64, w *sseWriter) {
		switch conn {
		case 1:
			w.send("hello", 0, "attached")
			w.send("line", 1, "create-db start")
			w.send("end", 0, `{"reason":"not_found"}`)
		default:
			w.send("hello", 0, "attached")
			w.send("line", 2, "create-db done")
			w.send("end", 0, `{"ok":true,"exitCode":0}`)
		}
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	rec := &backoffRecorder{}
	c := NewClient(Config{BaseURL: ts.URL, Backoff: rec.delay})
	events := collect(t, c.Attach(context.Background(), "r1", 0))

	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []EventType{EventHello, EventLine, EventReconnect, EventHello, EventLine, EventEnd}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("event types = %v, want %v", types, want)
	}

	if got := srv.afterIDs(); len(got) != 2 || got[1] != 1 {
		t.Errorf("afterEventId per connection = %v, want [0 1]", got)
	}
	if got := rec.get(); len(got) != 1 || got[0] != 0 {
		t.Errorf("backoff attempts = %v, want [0]", got)
	}
}

func TestAttach_TransientEndWhenInactiveStops(t *testing.T) {
	srv := &scriptedServer{t: t}
	srv.script = func(conn int, after int64, w *sseWriter) {
		w.send("hello", 0, "attached")
		w.send("end", 0, `{"status":"running"}`)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := NewClient(Config{
		BaseURL:     ts.URL,
		Backoff:     func(int) time.Duration { return time.Millisecond },
		StillActive: func(string) bool { return false },
	})
	events := collect(t, c.Attach(context.Background(), "r1", 0))

	last := events[len(events)-1]
	if last.Type != EventEnd || last.End == nil || !last.End.Transient {
		t.Errorf("last event = %+v, want transient end", last)
	}
	if srv.conns != 1 {
		t.Errorf("connections = %d, want 1", srv.conns)
	}
}

func TestAttach_UnparsedEndIsTerminal(t *testing.T) {
	srv := &scriptedServer{t: t}
	srv.script = func(conn int, after int64, w *sseWriter) {
		w.send("hello", 0, "attached")
		w.send("end", 0, "worker crashed")
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := NewClient(Config{
		BaseURL: ts.URL,
		Backoff: func(int) time.Duration { return time.Millisecond },
	})
	events := collect(t, c.Attach(context.Background(), "r1", 0))

	last := events[len(events)-1]
	if last.Type != EventEnd || last.End == nil || last.End.Transient || last.End.Error != "worker crashed" {
		t.Errorf("last event = %+v, want terminal end with the raw payload as error", last)
	}
	if last.End != nil && last.End.RunStatus() != "error" {
		t.Errorf("RunStatus = %s, want error", last.End.RunStatus())
	}
	if srv.conns != 1 {
		t.Errorf("connections = %d, want 1", srv.conns)
	}
}

func TestAttach_AttemptResetsOnHello(t *testing.T) {
	srv := &scriptedServer{t: t}
	srv.script = func(conn int, after int64, w *sseWriter) {
		switch conn {
		case 1:
			w.send("hello", 0, "attached")
		case 2:
			// drop without hello
		case 3:
			w.send("hello", 0, "attached")
		default:
			w.send("hello", 0, "attached")
			w.send("end", 0, `{"ok":false,"error":"exit code 2"}`)
		}
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	rec := &backoffRecorder{}
	c := NewClient(Config{BaseURL: ts.URL, Backoff: rec.delay})
	events := collect(t, c.Attach(context.Background(), "r1", 0))

	if got := fmt.Sprint(rec.get()); got != "[0 1 0]" {
		t.Errorf("backoff attempts = %s, want [0 1 0]", got)
	}
	last := events[len(events)-1]
	if last.End == nil || last.End.Succeeded() || last.End.Error != "exit code 2" {
		t.Errorf("last event = %+v, want failed end", last)
	}
}

func TestAttach_FiltersHeartbeatAndParsesProgressLines(t *testing.T) {
	srv := &scriptedServer{t: t}
	srv.script = func(conn int, after int64, w *sseWriter) {
		w.send("hello", 0, "attached")
		w.send("line", 1, HeartbeatLine)
		w.send("line", 2, ProgressLinePrefix+` {"totals":{"all":10},"done":{"all":4}}`)
		w.send("progress", 3, `{"totals":{"all":10},"done":{"all":5}}`)
		w.send("line", 4, "city Tampa done")
		w.send("end", 0, `{"ok":true}`)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL})
	events := collect(t, c.Attach(context.Background(), "r1", 0))

	var lines []string
	var dones []int
	for _, ev := range events {
		switch ev.Type {
		case EventLine:
			lines = append(lines, ev.Data)
		case EventProgress:
			dones = append(dones, ev.Progress.Done.All)
		}
	}
	if len(lines) != 1 || lines[0] != "city Tampa done" {
		t.Errorf("lines = %q, want only the display line", lines)
	}
	if fmt.Sprint(dones) != "[4 5]" {
		t.Errorf("progress done values = %v, want [4 5]", dones)
	}
}

func TestAttach_ResumesFromGivenCursor(t *testing.T) {
	srv := &scriptedServer{t: t}
	srv.script = func(conn int, after int64, w *sseWriter) {
		w.send("hello", 0, "attached")
		// server ignores the cursor and replays everything
		for id := int64(1); id <= 5; id++ {
			w.send("line", id, "l")
		}
		w.send("end", 0, `{"ok":true}`)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL})
	events := collect(t, c.Attach(context.Background(), "r1", 3))

	var ids []int64
	for _, ev := range events {
		if ev.Type == EventLine {
			ids = append(ids, ev.ID)
		}
	}
	if fmt.Sprint(ids) != "[4 5]" {
		t.Errorf("ids = %v, want [4 5]", ids)
	}
	if got := srv.afterIDs(); got[0] != 3 {
		t.Errorf("afterEventId = %d, want 3", got[0])
	}
}

func TestAttach_CloseCancelsPendingReconnect(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL, Backoff: func(int) time.Duration { return time.Hour }})
	a := c.Attach(context.Background(), "r1", 0)

	select {
	case ev := <-a.Events():
		if ev.Type != EventReconnect {
			t.Fatalf("first event = %s, want reconnect", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect event")
	}

	closed := make(chan struct{})
	go func() {
		a.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the pending reconnect timer")
	}
}

func TestAttach_NotFoundStatusIsTransient(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: hello\ndata: ok\n\nevent: end\ndata: {\"ok\":true}\n\n")
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL, Backoff: func(int) time.Duration { return time.Millisecond }})
	events := collect(t, c.Attach(context.Background(), "r1", 0))

	if events[0].Type != EventReconnect {
		t.Errorf("first event = %s, want reconnect after 404", events[0].Type)
	}
	if last := events[len(events)-1]; last.Type != EventEnd || !last.End.Succeeded() {
		t.Errorf("last event = %+v, want ok end", last)
	}
}
