package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeStream stands in for the provider's live-log surface: the
// handshake endpoints plus the framed websocket stream
type fakeStream struct {
	server *httptest.Server

	mu    sync.Mutex
	lines [][]string
}

func newFakeStream(t *testing.T) *fakeStream {
	t.Helper()

	f := &fakeStream{}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/live_logs", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Cookie"); !strings.HasPrefix(got, "user_session=") {
			t.Errorf("handshake missing session cookie, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{"authenticated_url": f.server.URL + "/authenticated"},
		})
	})
	mux.HandleFunc("/authenticated", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/stream?tenantId=t1&runId=482"
		json.NewEncoder(w).Encode(map[string]string{"logStreamWebSocketUrl": wsURL})
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Consume the protocol and subscribe frames
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}

		// Give concurrent watchers time to join before lines flow
		time.Sleep(100 * time.Millisecond)

		f.mu.Lock()
		batches := f.lines
		f.mu.Unlock()

		for _, batch := range batches {
			record, _ := json.Marshal(logMessage{
				Type:   1,
				Target: consoleLinesTarget,
				Arguments: []struct {
					Lines []string `json:"lines"`
				}{{Lines: batch}},
			})
			frame := fmt.Sprintf("%s%s", record, recordSeparator)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}

		// Keep the stream open so watchers resolve by match or timeout
		time.Sleep(2 * time.Second)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeStream) emit(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, lines)
}

func (f *fakeStream) target() string {
	return f.server.URL + "/live_logs"
}

func testWatcher(t *testing.T) *Watcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWatcher(logger, Options{
		DialAttempts: 2,
		DialTimeout:  time.Second,
		WatchTimeout: 3 * time.Second,
	})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func TestWatcher_ObservesCode(t *testing.T) {
	stream := newFakeStream(t)
	stream.emit("setting up job")
	stream.emit("challenge code: abc-123", "more output")

	w := testWatcher(t)

	if !w.Watch(context.Background(), "sess", stream.target(), "abc-123") {
		t.Error("expected code to be observed")
	}
	if w.ConnectionsOpened() != 1 {
		t.Errorf("expected 1 connection, got %d", w.ConnectionsOpened())
	}
}

func TestWatcher_CodeNeverAppears(t *testing.T) {
	stream := newFakeStream(t)
	stream.emit("nothing relevant here")

	w := testWatcher(t)
	w.opts.WatchTimeout = 500 * time.Millisecond

	start := time.Now()
	if w.Watch(context.Background(), "sess", stream.target(), "abc-123") {
		t.Error("expected no observation")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Watch was not bounded by the watch timeout")
	}
}

func TestWatcher_SharesConnection(t *testing.T) {
	stream := newFakeStream(t)
	stream.emit("code-a appears here")
	stream.emit("code-b appears here")

	w := testWatcher(t)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, code := range []string{"code-a", "code-b"} {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			results[i] = w.Watch(context.Background(), "sess", stream.target(), code)
		}(i, code)
	}
	wg.Wait()

	if !results[0] || !results[1] {
		t.Errorf("expected both codes observed, got %v", results)
	}
	if w.ConnectionsOpened() != 1 {
		t.Errorf("expected exactly 1 connection for concurrent watchers, got %d", w.ConnectionsOpened())
	}
}

func TestWatcher_Cancellation(t *testing.T) {
	stream := newFakeStream(t)
	stream.emit("nothing relevant")

	w := testWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		done <- w.Watch(ctx, "sess", stream.target(), "never-appears")
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case validated := <-done:
		if validated {
			t.Error("cancelled watch must resolve false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancellation")
	}
}

func TestWatcher_HandshakeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	w := testWatcher(t)
	w.opts.WatchTimeout = time.Second

	if w.Watch(context.Background(), "sess", server.URL+"/live_logs", "abc") {
		t.Error("expected handshake failure to resolve false")
	}
	if w.ConnectionsOpened() != 0 {
		t.Errorf("expected no connections, got %d", w.ConnectionsOpened())
	}
}

func TestWatcher_SessionCleanup(t *testing.T) {
	stream := newFakeStream(t)
	stream.emit("the code xyz-1 is here")

	w := testWatcher(t)

	if !w.Watch(context.Background(), "sess", stream.target(), "xyz-1") {
		t.Fatal("expected code to be observed")
	}

	// Resolution drains the session; the registry must not leak it
	deadline := time.After(2 * time.Second)
	for {
		w.mu.Lock()
		remaining := len(w.sessions)
		w.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected session registry to drain, %d remaining", remaining)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
