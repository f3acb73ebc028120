package cli

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/peergrid/callroom/internal/signaling"
	"github.com/peergrid/callroom/internal/util"
)

// call owns one PeerConnection negotiated with a single remote peer. The
// CLI uses a pre-negotiated DataChannel as its media stand-in; the signaling
// core never looks inside.
type call struct {
	peerID int64
	pc     *webrtc.PeerConnection
}

// newCall creates a PeerConnection configured with the ICE servers the room
// handed out and wires candidate trickling back through the signaling
// client.
func newCall(client *signaling.Client, peerID int64, iceServers []webrtc.ICEServer) (*call, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		client.SendLocalICECandidate(peerID, c.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogInfo("peer %d connection state: %s", peerID, state)
	})

	// Negotiated mode: both sides create the channel independently, so the
	// offer carries the application m-line either way.
	ordered := true
	negotiated := true
	id := uint16(0)
	dc, err := pc.CreateDataChannel("call", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("data channel: %w", err)
	}
	dc.OnOpen(func() {
		util.LogInfo("call with peer %d established", peerID)
	})

	return &call{peerID: peerID, pc: pc}, nil
}

// offer creates a local offer and returns it for sending.
func (c *call) offer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

// answer applies a remote offer and returns the local answer for sending.
func (c *call) answer(remote webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return &answer, nil
}

// acceptAnswer applies the remote answer to a call we initiated.
func (c *call) acceptAnswer(remote webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(remote)
}

// addCandidate feeds a remote ICE candidate into the connection.
func (c *call) addCandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *call) close() {
	c.pc.Close()
}
