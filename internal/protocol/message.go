// Package protocol defines the signaling command envelope exchanged with the
// room server and the typed messages decoded from it.
package protocol

import (
	"github.com/pion/webrtc/v4"
)

// Command kinds carried in the "cmd" (outbound) or "type" (inbound) field.
const (
	KindRoom      = "room"
	KindJoin      = "join"
	KindLeave     = "leave"
	KindOffer     = "offer"
	KindAnswer    = "answer"
	KindCandidate = "candidate"
)

// ClientInfo describes one participant in a room roster snapshot.
type ClientInfo struct {
	ID     int64  `json:"id"`
	Device string `json:"device"`
}

// Content is the nested payload of offer/answer/candidate envelopes. For
// session descriptions only SDP and Type are set; for ICE candidates only
// Label, ID and Candidate.
type Content struct {
	SDP       string  `json:"sdp,omitempty"`
	Type      string  `json:"type,omitempty"`
	Label     *uint16 `json:"label,omitempty"`
	ID        string  `json:"id,omitempty"`
	Candidate string  `json:"candidate,omitempty"`
}

// Envelope is the wire unit. Outbound frames carry "cmd"; the server stamps
// relayed frames with "type" instead. Pointer fields distinguish absent keys
// from zero values, which matters for peer ids and the accept flag.
type Envelope struct {
	Cmd      string       `json:"cmd,omitempty"`
	Type     string       `json:"type,omitempty"`
	To       *int64       `json:"to,omitempty"`
	From     *int64       `json:"from,omitempty"`
	ID       *int64       `json:"id,omitempty"`
	Accept   *bool        `json:"accept,omitempty"`
	IsHelper *bool        `json:"isHelper,omitempty"`
	Device   string       `json:"device,omitempty"`
	Content  *Content     `json:"content,omitempty"`
	Clients  []ClientInfo `json:"clients,omitempty"`
}

// Message is one decoded inbound signaling message.
type Message interface {
	signalingMessage()
}

// RemoteOffer is a session offer from a peer.
type RemoteOffer struct {
	From int64
	SDP  webrtc.SessionDescription
}

// RemoteAnswer is a peer's reply to an offer. SDP is nil when the peer
// rejected the offer (accept=false on the wire).
type RemoteAnswer struct {
	From int64
	SDP  *webrtc.SessionDescription
}

// RemoteCandidate is an ICE candidate discovered by a peer.
type RemoteCandidate struct {
	From      int64
	Candidate webrtc.ICECandidateInit
}

// ClientJoined reports a new participant in the room.
type ClientJoined struct {
	ID     int64
	Device string
}

// ClientLeft reports a departed participant.
type ClientLeft struct {
	ID int64
}

// RoomSnapshot carries the complete current membership of the room,
// including the local client.
type RoomSnapshot struct {
	Clients []ClientInfo
}

func (RemoteOffer) signalingMessage()     {}
func (RemoteAnswer) signalingMessage()    {}
func (RemoteCandidate) signalingMessage() {}
func (ClientJoined) signalingMessage()    {}
func (ClientLeft) signalingMessage()      {}
func (RoomSnapshot) signalingMessage()    {}
