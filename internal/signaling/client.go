package signaling

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/peergrid/callroom/internal/protocol"
	"github.com/peergrid/callroom/internal/util"
)

// ConnectionState is the room connection state of a Client.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnected
	StateClosed
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

const taskQueueSize = 64

// Client coordinates call setup for one room connection attempt. All state
// lives on a single worker goroutine: public methods enqueue work and return
// immediately, progress is observable only through the Events callbacks.
// CLOSED and ERROR are terminal; reconnecting takes a fresh Client.
type Client struct {
	events Events

	tasks chan func()
	quit  chan struct{}

	// Worker-owned state. Touched only from run().
	state            ConnectionState
	localClientID    int64
	connectionParams RoomConnectionParameters
	channel          Channel

	joinMessage string

	// Construction hooks, replaced in tests.
	newChannel func(ev ChannelEvents) Channel
	fetch      func(joinURL string, onSuccess func(*SignalingParameters), onError func(string))
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithJoinMessage attaches a request body to the join handshake. The server
// treats it as opaque caller data (the hosted service reads a device label
// from it).
func WithJoinMessage(message string) Option {
	return func(c *Client) { c.joinMessage = message }
}

// New creates a signaling client delivering events to ev and starts its
// worker goroutine.
func New(ev Events, opts ...Option) *Client {
	c := &Client{
		events: ev,
		tasks:  make(chan func(), taskQueueSize),
		quit:   make(chan struct{}),
		state:  StateNew,
	}
	c.newChannel = func(ce ChannelEvents) Channel { return NewWebSocketChannel(ce) }
	c.fetch = func(joinURL string, onSuccess func(*SignalingParameters), onError func(string)) {
		NewRoomParametersFetcher(joinURL, c.joinMessage, onSuccess, onError).MakeRequest()
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

// Done returns a channel closed once the worker has stopped after
// DisconnectFromRoom.
func (c *Client) Done() <-chan struct{} {
	return c.quit
}

// run is the single worker. Total ordering of tasks is the only concurrency
// control: no other goroutine touches client state.
func (c *Client) run() {
	for {
		select {
		case <-c.quit:
			return
		case task := <-c.tasks:
			task()
		}
	}
}

// schedule enqueues a task for the worker. Tasks submitted after
// DisconnectFromRoom are dropped.
func (c *Client) schedule(task func()) {
	select {
	case <-c.quit:
	case c.tasks <- task:
	}
}

// ConnectToRoom asynchronously joins the given room. OnConnectedToRoom fires
// once the handshake completed and the channel is registered.
func (c *Client) ConnectToRoom(params RoomConnectionParameters) {
	c.schedule(func() {
		c.connectionParams = params
		c.connectToRoomInternal()
	})
}

// RequestRoomInfo asks the server for a fresh roster snapshot.
func (c *Client) RequestRoomInfo() {
	c.schedule(func() {
		c.send(protocol.MarshalRoomRequest())
	})
}

// SendOfferSDP sends a local session offer to a peer. isHelper marks the
// helper pairing variant.
func (c *Client) SendOfferSDP(peerID int64, sdp webrtc.SessionDescription, isHelper bool) {
	c.schedule(func() {
		if c.state != StateConnected {
			c.reportMisuse("Sending offer SDP in non connected state.")
			return
		}
		c.send(protocol.MarshalOffer(peerID, sdp, isHelper))
	})
}

// SendAnswerSDP replies to a peer's offer. A nil sdp rejects the offer.
func (c *Client) SendAnswerSDP(peerID int64, sdp *webrtc.SessionDescription) {
	c.schedule(func() {
		if c.state != StateConnected {
			c.reportMisuse("Sending answer SDP in non connected state.")
			return
		}
		c.send(protocol.MarshalAnswer(peerID, sdp))
	})
}

// SendLocalICECandidate forwards a locally gathered ICE candidate to a peer.
func (c *Client) SendLocalICECandidate(peerID int64, candidate webrtc.ICECandidateInit) {
	c.schedule(func() {
		c.send(protocol.MarshalCandidate(peerID, candidate))
	})
}

// DisconnectFromRoom leaves the room, closes the channel and stops the
// worker. The client is unusable afterward.
func (c *Client) DisconnectFromRoom() {
	c.schedule(func() {
		c.disconnectFromRoomInternal()
		close(c.quit)
	})
}

func (c *Client) connectToRoomInternal() {
	joinURL := fmt.Sprintf("%s/join/%d", c.connectionParams.RoomURL, c.connectionParams.RoomID)
	util.LogInfo("connecting to room: %s", joinURL)
	c.state = StateNew
	c.channel = c.newChannel(channelSink{c})

	// The fetcher completes on its own goroutine; both callbacks re-enter
	// the worker before touching state.
	c.fetch(joinURL,
		func(params *SignalingParameters) {
			c.schedule(func() { c.signalingParametersReady(params) })
		},
		func(description string) {
			c.reportError(description)
		})
}

// signalingParametersReady applies a completed handshake. A fetch that
// finishes after the client left NEW (disconnected or errored meanwhile) is
// discarded; it must not resurrect the connection.
func (c *Client) signalingParametersReady(params *SignalingParameters) {
	if c.state != StateNew {
		util.LogWarning("room parameters arrived in state %s, discarding", c.state)
		return
	}
	util.LogInfo("room connection completed, client id %d", params.ClientID)
	c.state = StateConnected
	c.localClientID = params.ClientID

	if err := c.channel.Connect(params.WSSURL, params.WSSPostURL); err != nil {
		c.reportErrorInternal(err.Error())
		return
	}
	if err := c.channel.Register(c.connectionParams.RoomID, params.ClientID); err != nil {
		c.reportErrorInternal(err.Error())
		return
	}

	c.events.OnConnectedToRoom(params)
}

func (c *Client) disconnectFromRoomInternal() {
	util.LogInfo("disconnect, room state: %s", c.state)
	if c.channel != nil {
		// Best-effort: the leave frame goes out even while tearing down.
		if err := c.channel.Send(string(protocol.MarshalLeave())); err != nil {
			util.LogDebug("leave frame not sent: %v", err)
		}
		c.channel.Disconnect(true)
	}
	c.state = StateClosed
}

// send writes an encoded frame through the channel, reporting a fault on
// failure. Runs on the worker.
func (c *Client) send(frame []byte) {
	if c.channel == nil {
		c.reportMisuse("Sending message without a channel.")
		return
	}
	if err := c.channel.Send(string(frame)); err != nil {
		c.reportErrorInternal(fmt.Sprintf("Channel send error: %v", err))
	}
}

// handleChannelMessage dispatches one inbound frame. Runs on the worker.
func (c *Client) handleChannelMessage(text string) {
	if c.channel.State() != ChannelRegistered {
		util.LogError("got channel message in non registered state")
		return
	}

	msg, err := protocol.Decode([]byte(text))
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownKind) {
			util.LogWarning("unexpected channel message: %s", text)
			return
		}
		c.reportErrorInternal(fmt.Sprintf("Channel message parse error: %v", err))
		return
	}

	switch m := msg.(type) {
	case protocol.RemoteOffer:
		c.events.OnRemoteOffer(m.From, m.SDP)
	case protocol.RemoteAnswer:
		c.events.OnRemoteAnswer(m.From, m.SDP)
	case protocol.RemoteCandidate:
		c.events.OnRemoteICECandidate(m.From, m.Candidate)
	case protocol.ClientJoined:
		c.events.OnClientJoin(m.ID, m.Device)
	case protocol.ClientLeft:
		c.events.OnRemoteLeave(m.ID)
	case protocol.RoomSnapshot:
		c.applyRosterSnapshot(m.Clients)
	}
}

// applyRosterSnapshot decides what to do with a complete membership list.
// A room holding only the local client needs nothing. Exactly two members
// means exactly one remote peer: connect to it without asking. More than
// two means the caller picks. The boundary sits at two members, not two
// remotes; that asymmetry is deliberate.
func (c *Client) applyRosterSnapshot(clients []protocol.ClientInfo) {
	if len(clients) <= 1 {
		return
	}

	remotes := make([]protocol.ClientInfo, 0, len(clients)-1)
	for _, info := range clients {
		if info.ID != c.localClientID {
			remotes = append(remotes, info)
		}
	}

	if len(clients) == 2 {
		c.events.Connect(remotes[0].ID)
		return
	}
	c.events.SelectClient(remotes)
}

// reportError reports a fault from any goroutine. The state mutation and
// the callback re-enter the worker; ERROR is sticky, so only the first
// fault reaches the caller.
func (c *Client) reportError(description string) {
	util.LogError("%s", description)
	c.schedule(func() {
		if c.state != StateError {
			c.state = StateError
			c.events.OnChannelError(description)
		}
	})
}

// reportErrorInternal is the worker-side variant of reportError.
func (c *Client) reportErrorInternal(description string) {
	util.LogError("%s", description)
	if c.state != StateError {
		c.state = StateError
		c.events.OnChannelError(description)
	}
}

// reportMisuse surfaces a caller mistake (such as sending in the wrong
// state) without moving the client to ERROR: the channel itself is fine.
// After a real fault the caller already got its one error, so stay quiet.
func (c *Client) reportMisuse(description string) {
	util.LogError("%s", description)
	if c.state != StateError {
		c.events.OnChannelError(description)
	}
}

// channelSink adapts channel callbacks onto the worker goroutine.
type channelSink struct {
	c *Client
}

var _ ChannelEvents = channelSink{}

func (s channelSink) OnChannelMessage(text string) {
	s.c.schedule(func() { s.c.handleChannelMessage(text) })
}

func (s channelSink) OnChannelClose() {
	s.c.schedule(func() { s.c.events.OnChannelClose() })
}

func (s channelSink) OnChannelError(description string) {
	s.c.reportError(description)
}
