package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/peergrid/callroom/internal/protocol"
)

// Events receives everything the signaling client produces. All methods are
// invoked on the client's worker goroutine, so implementations must not
// block and must not call back into the client synchronously expecting
// progress.
type Events interface {
	// OnConnectedToRoom fires once the join handshake completed and the
	// channel is registered.
	OnConnectedToRoom(params *SignalingParameters)

	// OnRemoteOffer delivers a session offer from a peer.
	OnRemoteOffer(peerID int64, sdp webrtc.SessionDescription)

	// OnRemoteAnswer delivers a peer's reply to a local offer. sdp is nil
	// when the peer rejected the offer.
	OnRemoteAnswer(peerID int64, sdp *webrtc.SessionDescription)

	// OnRemoteICECandidate delivers an ICE candidate from a peer.
	OnRemoteICECandidate(peerID int64, candidate webrtc.ICECandidateInit)

	// OnClientJoin reports a new participant in the room.
	OnClientJoin(peerID int64, device string)

	// OnRemoteLeave reports a departed participant.
	OnRemoteLeave(peerID int64)

	// OnChannelClose reports a normal channel teardown. The client forces
	// no state transition; reconnection policy belongs to the caller.
	OnChannelClose()

	// OnChannelError reports a fault or a misuse of the client. A real
	// fault moves the client to ERROR and is reported at most once.
	OnChannelError(description string)

	// SelectClient asks the caller to pick a peer from a room holding more
	// than one remote participant.
	SelectClient(clients []protocol.ClientInfo)

	// Connect instructs the caller to call the single remote peer found in
	// a two-party room.
	Connect(peerID int64)
}
