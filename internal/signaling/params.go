// Package signaling negotiates call setup for room-based peer connections.
// It fetches room parameters over HTTP, keeps a registered websocket channel
// to the room server, and exchanges offer/answer/candidate messages with
// peers. Media itself never flows here; callers plug the resulting session
// descriptions and ICE candidates into their own peer connection.
package signaling

import (
	"github.com/pion/webrtc/v4"
)

// RoomConnectionParameters identifies the room to join. Created by the
// caller; immutable for the lifetime of one connection attempt.
type RoomConnectionParameters struct {
	RoomURL string
	RoomID  int64
}

// SignalingParameters is the result of the room-join handshake. It carries
// the server-assigned local identity and everything needed to open the
// signaling channel and configure a peer connection.
type SignalingParameters struct {
	ICEServers    []webrtc.ICEServer
	ClientID      int64
	WSSURL        string
	WSSPostURL    string
	OfferSDP      *webrtc.SessionDescription
	ICECandidates []webrtc.ICECandidateInit
}
