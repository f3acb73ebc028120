package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// channelRecorder collects ChannelEvents callbacks.
type channelRecorder struct {
	mu       sync.Mutex
	messages []string
	closes   int
	errors   []string
	done     chan struct{} // closed on first close or error
	doneOnce sync.Once
}

var _ ChannelEvents = (*channelRecorder)(nil)

func newChannelRecorder() *channelRecorder {
	return &channelRecorder{done: make(chan struct{})}
}

func (r *channelRecorder) OnChannelMessage(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
}

func (r *channelRecorder) OnChannelClose() {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *channelRecorder) OnChannelError(description string) {
	r.mu.Lock()
	r.errors = append(r.errors, description)
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *channelRecorder) awaitDone(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no lifecycle callback fired")
	}
}

// echoServer upgrades connections and echoes every frame back, recording
// what it received.
type echoServer struct {
	mu       sync.Mutex
	received []string
	leaves   []string // paths of DELETE requests
}

func (e *echoServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			e.mu.Lock()
			e.received = append(e.received, string(data))
			e.mu.Unlock()
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/leave/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		e.mu.Lock()
		e.leaves = append(e.leaves, r.URL.Path)
		e.mu.Unlock()
	})
	return mux
}

func (e *echoServer) frames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.received...)
}

func startEchoServer(t *testing.T) (*echoServer, *httptest.Server, string) {
	t.Helper()
	echo := &echoServer{}
	srv := httptest.NewServer(echo.handler())
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return echo, srv, wsURL
}

func TestChannelLifecycle(t *testing.T) {
	echo, srv, wsURL := startEchoServer(t)
	rec := newChannelRecorder()
	ch := NewWebSocketChannel(rec)

	if ch.State() != ChannelNew {
		t.Fatalf("state = %s, want NEW", ch.State())
	}
	if err := ch.Connect(wsURL, srv.URL+"/leave"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ch.State() != ChannelConnected {
		t.Fatalf("state = %s, want CONNECTED", ch.State())
	}
	if err := ch.Register(4231, 7); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ch.State() != ChannelRegistered {
		t.Fatalf("state = %s, want REGISTERED", ch.State())
	}

	if err := ch.Send(`{"cmd":"room"}`); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The echo comes back through the read pump.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.messages)
		rec.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("echoed frames = %d, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := echo.frames(); len(got) != 2 || !strings.Contains(got[0], `"register"`) {
		t.Errorf("server received %v, want register then room", got)
	}

	ch.Disconnect(true)
	if ch.State() != ChannelClosed {
		t.Errorf("state = %s, want CLOSED", ch.State())
	}

	// A registered disconnect also fires the HTTP leave fallback.
	echo.mu.Lock()
	leaves := append([]string(nil), echo.leaves...)
	echo.mu.Unlock()
	if len(leaves) != 1 || leaves[0] != "/leave/4231/7" {
		t.Errorf("leave requests = %v", leaves)
	}

	rec.awaitDone(t)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closes == 0 || len(rec.errors) != 0 {
		t.Errorf("closes = %d, errors = %v", rec.closes, rec.errors)
	}
}

func TestChannelRegisterBeforeConnect(t *testing.T) {
	ch := NewWebSocketChannel(newChannelRecorder())
	if err := ch.Register(1, 2); err == nil {
		t.Fatal("Register succeeded without a connection")
	}
}

func TestChannelSendBeforeRegister(t *testing.T) {
	_, srv, wsURL := startEchoServer(t)
	ch := NewWebSocketChannel(newChannelRecorder())

	if err := ch.Connect(wsURL, srv.URL+"/leave"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect(false)

	if err := ch.Send("frame"); err == nil {
		t.Fatal("Send succeeded before register")
	}
}

func TestChannelDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ch := NewWebSocketChannel(newChannelRecorder())
	if err := ch.Connect(wsURL, ""); err == nil {
		t.Fatal("Connect succeeded against a dead server")
	}
	if ch.State() != ChannelError {
		t.Errorf("state = %s, want ERROR", ch.State())
	}
}

func TestChannelServerDropReportsError(t *testing.T) {
	var serverConn *websocket.Conn
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		serverConn = conn
		mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	rec := newChannelRecorder()
	ch := NewWebSocketChannel(rec)
	if err := ch.Connect(wsURL, ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Abrupt close without a close frame is a fault, not a clean shutdown.
	mu.Lock()
	serverConn.Close()
	mu.Unlock()

	rec.awaitDone(t)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errors) != 1 || !strings.Contains(rec.errors[0], "WebSocket error") {
		t.Errorf("errors = %v", rec.errors)
	}
	if rec.closes != 0 {
		t.Errorf("closes = %d, want 0", rec.closes)
	}
	if ch.State() != ChannelError {
		t.Errorf("state = %s, want ERROR", ch.State())
	}
}

func TestChannelServerNormalCloseReportsClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		// Wait for the client's close acknowledgement before dropping.
		conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	rec := newChannelRecorder()
	ch := NewWebSocketChannel(rec)
	if err := ch.Connect(wsURL, ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	rec.awaitDone(t)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closes != 1 || len(rec.errors) != 0 {
		t.Errorf("closes = %d, errors = %v", rec.closes, rec.errors)
	}
}
