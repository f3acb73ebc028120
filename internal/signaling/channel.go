package signaling

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peergrid/callroom/internal/protocol"
	"github.com/peergrid/callroom/internal/util"
)

// ChannelState is the connection state of the signaling channel.
type ChannelState int

const (
	ChannelNew ChannelState = iota
	ChannelConnected
	ChannelRegistered
	ChannelClosed
	ChannelError
)

func (s ChannelState) String() string {
	switch s {
	case ChannelNew:
		return "NEW"
	case ChannelConnected:
		return "CONNECTED"
	case ChannelRegistered:
		return "REGISTERED"
	case ChannelClosed:
		return "CLOSED"
	case ChannelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ChannelEvents receives inbound frames and lifecycle notifications from a
// Channel. Callbacks run on the channel's read goroutine; receivers hand
// them off to their own execution context.
type ChannelEvents interface {
	OnChannelMessage(text string)
	OnChannelClose()
	OnChannelError(description string)
}

// Channel is the persistent signaling connection owned by the Client.
type Channel interface {
	Connect(wssURL, postURL string) error
	Register(roomID, clientID int64) error
	Send(text string) error
	Disconnect(waitForComplete bool)
	State() ChannelState
}

const (
	dialTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	closeAckTimeout   = time.Second
	leavePostTimeout  = 5 * time.Second
	maxChannelMessage = 1 << 20
)

// WebSocketChannel is the gorilla/websocket implementation of Channel.
// All methods are expected to be called from a single goroutine (the
// signaling client's worker); only the read pump runs concurrently.
type WebSocketChannel struct {
	events ChannelEvents

	mu           sync.Mutex
	conn         *websocket.Conn
	state        ChannelState
	postURL      string
	roomID       int64
	clientID     int64
	registered   bool
	serverClosed chan struct{}
	closeOnce    sync.Once
}

var _ Channel = (*WebSocketChannel)(nil)

// NewWebSocketChannel creates an unconnected channel delivering inbound
// frames and lifecycle notifications to ev.
func NewWebSocketChannel(ev ChannelEvents) *WebSocketChannel {
	return &WebSocketChannel{
		events:       ev,
		state:        ChannelNew,
		serverClosed: make(chan struct{}),
	}
}

// Connect dials the channel endpoint and starts the read pump. postURL is
// kept for the best-effort HTTP leave issued at disconnect time.
func (c *WebSocketChannel) Connect(wssURL, postURL string) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = dialTimeout

	conn, _, err := dialer.Dial(wssURL, nil)
	if err != nil {
		c.setState(ChannelError)
		return fmt.Errorf("websocket dial %s: %w", wssURL, err)
	}
	conn.SetReadLimit(maxChannelMessage)

	c.mu.Lock()
	c.conn = conn
	c.postURL = postURL
	c.state = ChannelConnected
	c.mu.Unlock()

	util.LogDebug("channel connected: %s", wssURL)
	go c.readPump(conn)
	return nil
}

// Register binds the connection to a room and a client identity. The server
// starts relaying room traffic only after this frame.
func (c *WebSocketChannel) Register(roomID, clientID int64) error {
	c.mu.Lock()
	if c.state != ChannelConnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("register in state %s", state)
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, protocol.MarshalRegister(roomID, clientID)); err != nil {
		c.setState(ChannelError)
		return fmt.Errorf("register: %w", err)
	}

	c.mu.Lock()
	c.roomID = roomID
	c.clientID = clientID
	c.registered = true
	c.state = ChannelRegistered
	c.mu.Unlock()

	util.LogDebug("channel registered: room=%d client=%d", roomID, clientID)
	return nil
}

// Send writes one text frame. The channel must be registered.
func (c *WebSocketChannel) Send(text string) error {
	c.mu.Lock()
	if c.state != ChannelRegistered {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("send in state %s", state)
	}
	conn := c.conn
	c.mu.Unlock()

	return c.write(conn, []byte(text))
}

func (c *WebSocketChannel) write(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the connection. With waitForComplete it first sends a
// close frame and waits briefly for the server's acknowledgement, then
// issues the HTTP leave fallback so the server drops the registration even
// if the close frame was lost.
func (c *WebSocketChannel) Disconnect(waitForComplete bool) {
	c.mu.Lock()
	conn := c.conn
	wasRegistered := c.registered
	postURL := c.postURL
	roomID, clientID := c.roomID, c.clientID
	c.state = ChannelClosed
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		if waitForComplete {
			select {
			case <-c.serverClosed:
			case <-time.After(closeAckTimeout):
			}
		}
		conn.Close()
	}

	if wasRegistered && postURL != "" {
		c.postLeave(postURL, roomID, clientID)
	}
}

// postLeave issues the out-of-band leave request used when the websocket
// close may not have reached the server.
func (c *WebSocketChannel) postLeave(postURL string, roomID, clientID int64) {
	url := fmt.Sprintf("%s/%d/%d", postURL, roomID, clientID)
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		util.LogWarning("leave request: %v", err)
		return
	}
	client := &http.Client{Timeout: leavePostTimeout}
	resp, err := client.Do(req)
	if err != nil {
		util.LogWarning("leave request: %v", err)
		return
	}
	resp.Body.Close()
}

// State returns the current channel state.
func (c *WebSocketChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *WebSocketChannel) setState(state ChannelState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// readPump delivers inbound frames until the connection dies, then reports
// either a close or an error depending on who initiated the teardown.
func (c *WebSocketChannel) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.closeOnce.Do(func() { close(c.serverClosed) })

			c.mu.Lock()
			locallyClosed := c.state == ChannelClosed
			c.mu.Unlock()

			if locallyClosed || websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setState(ChannelClosed)
				c.events.OnChannelClose()
			} else {
				c.setState(ChannelError)
				c.events.OnChannelError(fmt.Sprintf("WebSocket error: %v", err))
			}
			return
		}
		c.events.OnChannelMessage(string(data))
	}
}
