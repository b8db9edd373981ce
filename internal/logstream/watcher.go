package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// recordSeparator delimits frames on the live-log stream
const recordSeparator = "\x1e"

// consoleLinesTarget tags frames carrying console log lines
const consoleLinesTarget = "logConsoleLines"

// sessionTTL is the hard lifetime of a watch session. Whatever state
// the stream is in, the session resolves and tears down by then.
const sessionTTL = 60 * time.Second

type logMessage struct {
	Type      int    `json:"type"`
	Target    string `json:"target"`
	Arguments []struct {
		Lines []string `json:"lines"`
	} `json:"arguments"`
}

// Options configures the Watcher's transport behavior
type Options struct {
	// DialAttempts bounds connection attempts per session
	DialAttempts int

	// DialTimeout is the per-attempt handshake timeout
	DialTimeout time.Duration

	// WatchTimeout bounds each Watch call independently of the
	// transport's own retry budget
	WatchTimeout time.Duration
}

// Watcher deduplicates concurrent interest in the same live-log stream
// into at most one underlying connection per target URL
type Watcher struct {
	logger     *slog.Logger
	httpClient *http.Client
	opts       Options

	mu       sync.Mutex
	sessions map[string]*session

	opened atomic.Int64
}

// NewWatcher creates a log-stream watcher
func NewWatcher(logger *slog.Logger, opts Options) *Watcher {
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = 10
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 4 * time.Second
	}
	if opts.WatchTimeout <= 0 {
		opts.WatchTimeout = 10 * time.Second
	}
	return &Watcher{
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		opts:       opts,
		sessions:   make(map[string]*session),
	}
}

// ConnectionsOpened reports how many underlying stream connections have
// been opened over the Watcher's lifetime
func (w *Watcher) ConnectionsOpened() int64 {
	return w.opened.Load()
}

// Watch waits for code to appear on the live-log stream behind target.
// Concurrent calls for the same target share one connection. Returns
// true only if the code was observed on a console log line; every
// failure mode (handshake error, dial exhaustion, timeout,
// cancellation) resolves false.
func (w *Watcher) Watch(ctx context.Context, sessionCookie, target, code string) bool {
	ctx, cancel := context.WithTimeout(ctx, w.opts.WatchTimeout)
	defer cancel()

	sess, waiter := w.join(sessionCookie, target, code)

	select {
	case validated := <-waiter:
		return validated
	case <-ctx.Done():
		sess.unregister(code, waiter)
		return false
	}
}

// join registers interest in a code on a target's session, creating the
// session if none exists. The registry lock covers the create-or-join
// decision, so exactly one connection wins the creation race.
func (w *Watcher) join(sessionCookie, target, code string) (*session, chan bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sess, exists := w.sessions[target]
	if !exists {
		sessCtx, sessCancel := context.WithTimeout(context.Background(), sessionTTL)
		sess = &session{
			watcher: w,
			target:  target,
			cookie:  sessionCookie,
			pending: make(map[string][]chan bool),
			ctx:     sessCtx,
			cancel:  sessCancel,
		}
		w.sessions[target] = sess
		go sess.run()
	}

	waiter := make(chan bool, 1)
	sess.register(code, waiter)
	return sess, waiter
}

func (w *Watcher) remove(sess *session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessions[sess.target] == sess {
		delete(w.sessions, sess.target)
	}
}

// session is one live connection to a target's log stream and the set
// of challenge codes awaiting observation on it
type session struct {
	watcher *Watcher
	target  string
	cookie  string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string][]chan bool
	closed  bool
}

func (s *session) register(code string, waiter chan bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		waiter <- false
		return
	}
	s.pending[code] = append(s.pending[code], waiter)
}

// unregister withdraws one waiter. The last interested party's
// departure tears the session down.
func (s *session) unregister(code string, waiter chan bool) {
	s.mu.Lock()
	waiters := s.pending[code]
	for i, w := range waiters {
		if w == waiter {
			s.pending[code] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.pending[code]) == 0 {
		delete(s.pending, code)
	}
	empty := len(s.pending) == 0
	s.mu.Unlock()

	if empty {
		s.cancel()
	}
}

// resolveAll answers every outstanding waiter and marks the session
// closed so late registrations resolve immediately
func (s *session) resolveAll(validated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for code, waiters := range s.pending {
		for _, waiter := range waiters {
			waiter <- validated
		}
		delete(s.pending, code)
	}
}

// matchLines checks every pending code against the emitted lines,
// resolving matches true. Reports whether any codes remain pending.
func (s *session) matchLines(lines []string) (remaining bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, waiters := range s.pending {
		for _, line := range lines {
			if strings.Contains(line, code) {
				for _, waiter := range waiters {
					waiter <- true
				}
				delete(s.pending, code)
				break
			}
		}
	}
	return len(s.pending) > 0
}

// run drives the session: handshake, dial with a bounded attempt
// budget, then the read loop. All exit paths resolve outstanding
// waiters and deregister the session.
func (s *session) run() {
	defer s.cancel()
	defer s.watcher.remove(s)
	defer s.resolveAll(false)

	log := s.watcher.logger.With("target", s.target)

	wsURL, err := s.handshake()
	if err != nil {
		log.Warn("live-log handshake failed", "error", err)
		return
	}

	for attempt := 0; attempt < s.watcher.opts.DialAttempts; attempt++ {
		if s.ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			select {
			case <-time.After(time.Second):
			case <-s.ctx.Done():
				return
			}
		}

		done, err := s.stream(wsURL)
		if done {
			return
		}
		log.Warn("live-log stream attempt failed", "attempt", attempt+1, "error", err)
	}

	log.Warn("live-log stream attempts exhausted")
}

// handshake resolves the target URL to the websocket stream URL: the
// authenticated endpoint first, then the upgraded streaming endpoint
func (s *session) handshake() (string, error) {
	var authenticated struct {
		Data struct {
			AuthenticatedURL string `json:"authenticated_url"`
		} `json:"data"`
	}
	if err := s.fetchJSON(s.target, true, &authenticated); err != nil {
		return "", err
	}
	if authenticated.Data.AuthenticatedURL == "" {
		return "", fmt.Errorf("no authenticated_url for %s", s.target)
	}

	var upgraded struct {
		LogStreamWebSocketURL string `json:"logStreamWebSocketUrl"`
	}
	if err := s.fetchJSON(authenticated.Data.AuthenticatedURL, false, &upgraded); err != nil {
		return "", err
	}
	if upgraded.LogStreamWebSocketURL == "" {
		return "", fmt.Errorf("no logStreamWebSocketUrl for %s", s.target)
	}

	return upgraded.LogStreamWebSocketURL, nil
}

func (s *session) fetchJSON(target string, authenticated bool, out interface{}) error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if authenticated {
		req.Header.Set("Cookie", "user_session="+s.cookie)
		req.Header.Set("User-Agent", browserUserAgent)
	}

	resp, err := s.watcher.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// stream opens one websocket connection and consumes frames until a
// terminal condition. Returns done=true when the session should not
// redial: every code matched, the stream ended cleanly, or the session
// was cancelled.
func (s *session) stream(wsURL string) (done bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.watcher.opts.DialTimeout}

	conn, resp, err := dialer.DialContext(s.ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return s.ctx.Err() != nil, fmt.Errorf("dial failed: %w", err)
	}
	s.watcher.opened.Add(1)

	// Close must run on every exit path, including cancellation racing
	// the read loop
	var once sync.Once
	closeConn := func() { once.Do(func() { conn.Close() }) }
	defer closeConn()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.ctx.Done():
			closeConn()
		case <-stop:
		}
	}()

	if err := s.sendHandshake(conn, wsURL); err != nil {
		return false, fmt.Errorf("stream handshake failed: %w", err)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return true, nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, nil
			}
			return false, fmt.Errorf("read failed: %w", err)
		}

		for _, record := range strings.Split(string(message), recordSeparator) {
			if record == "" {
				continue
			}
			var msg logMessage
			if err := json.Unmarshal([]byte(record), &msg); err != nil {
				continue
			}
			if msg.Type != 1 || msg.Target != consoleLinesTarget {
				continue
			}

			lines := make([]string, 0)
			for _, arg := range msg.Arguments {
				lines = append(lines, arg.Lines...)
			}
			if !s.matchLines(lines) {
				// Every pending code observed; nothing left to watch
				return true, nil
			}
		}
	}
}

// sendHandshake negotiates the framed-JSON protocol and subscribes to
// the run identified by the stream URL's query parameters
func (s *session) sendHandshake(conn *websocket.Conn, wsURL string) error {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return fmt.Errorf("failed to parse stream url: %w", err)
	}
	tenantID := parsed.Query().Get("tenantId")
	runID, _ := strconv.ParseInt(parsed.Query().Get("runId"), 10, 64)

	protocol, err := json.Marshal(map[string]interface{}{
		"protocol": "json",
		"version":  1,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, append(protocol, recordSeparator...)); err != nil {
		return fmt.Errorf("failed to send protocol frame: %w", err)
	}

	subscribe, err := json.Marshal(map[string]interface{}{
		"arguments": []interface{}{tenantID, runID},
		"target":    "WatchRunAsync",
		"type":      1,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, append(subscribe, recordSeparator...)); err != nil {
		return fmt.Errorf("failed to send subscribe frame: %w", err)
	}

	return nil
}

// The handshake endpoint rejects requests without a browser user agent
const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
