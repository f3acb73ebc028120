package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrUnknownKind marks an inbound frame whose kind is outside the recognized
// set. Such frames are benign: callers should log and drop them instead of
// treating them as protocol faults.
var ErrUnknownKind = errors.New("unknown signaling command")

// mustMarshal serializes an outbound envelope. The key set is fixed, so a
// marshal failure is an internal contract violation, not recoverable input.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal envelope: %v", err))
	}
	return data
}

// MarshalRoomRequest builds a roster request frame.
func MarshalRoomRequest() []byte {
	return mustMarshal(Envelope{Cmd: KindRoom})
}

// MarshalLeave builds the teardown frame.
func MarshalLeave() []byte {
	return mustMarshal(Envelope{Cmd: KindLeave})
}

// MarshalOffer builds an offer frame addressed to a peer. The isHelper flag
// is always present on the wire, even when false.
func MarshalOffer(to int64, sdp webrtc.SessionDescription, isHelper bool) []byte {
	return mustMarshal(Envelope{
		Cmd:      KindOffer,
		To:       &to,
		IsHelper: &isHelper,
		Content:  &Content{SDP: sdp.SDP, Type: "offer"},
	})
}

// MarshalAnswer builds an answer frame. A nil sdp encodes a rejection:
// accept=false and no content key at all.
func MarshalAnswer(to int64, sdp *webrtc.SessionDescription) []byte {
	accept := sdp != nil
	env := Envelope{
		Cmd:    KindAnswer,
		To:     &to,
		Accept: &accept,
	}
	if sdp != nil {
		env.Content = &Content{SDP: sdp.SDP, Type: "answer"}
	}
	return mustMarshal(env)
}

// MarshalCandidate builds an ICE candidate frame addressed to a peer.
func MarshalCandidate(to int64, candidate webrtc.ICECandidateInit) []byte {
	var label uint16
	if candidate.SDPMLineIndex != nil {
		label = *candidate.SDPMLineIndex
	}
	var mid string
	if candidate.SDPMid != nil {
		mid = *candidate.SDPMid
	}
	return mustMarshal(Envelope{
		Cmd: KindCandidate,
		To:  &to,
		Content: &Content{
			Label:     &label,
			ID:        mid,
			Candidate: candidate.Candidate,
		},
	})
}

// KindRegister is the channel registration command.
const KindRegister = "register"

// registerEnvelope is the channel registration frame. It is consumed by the
// room server directly and never relayed to peers.
type registerEnvelope struct {
	Cmd      string `json:"cmd"`
	RoomID   int64  `json:"roomid"`
	ClientID int64  `json:"clientid"`
}

// MarshalRegister builds the frame that binds a channel connection to a room
// and a client identity.
func MarshalRegister(roomID, clientID int64) []byte {
	return mustMarshal(registerEnvelope{Cmd: KindRegister, RoomID: roomID, ClientID: clientID})
}

// Decode parses an inbound frame into a typed Message. Frames with an
// unrecognized kind return an error wrapping ErrUnknownKind; malformed JSON
// or a missing required field returns a descriptive error.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	switch env.Type {
	case KindOffer:
		if env.From == nil {
			return nil, errors.New("offer missing from")
		}
		if env.Content == nil || env.Content.SDP == "" {
			return nil, errors.New("offer missing content sdp")
		}
		return RemoteOffer{
			From: *env.From,
			SDP: webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer,
				SDP:  env.Content.SDP,
			},
		}, nil

	case KindAnswer:
		if env.From == nil {
			return nil, errors.New("answer missing from")
		}
		if env.Accept == nil {
			return nil, errors.New("answer missing accept")
		}
		if !*env.Accept {
			return RemoteAnswer{From: *env.From}, nil
		}
		if env.Content == nil || env.Content.SDP == "" {
			return nil, errors.New("accepted answer missing content sdp")
		}
		return RemoteAnswer{
			From: *env.From,
			SDP: &webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer,
				SDP:  env.Content.SDP,
			},
		}, nil

	case KindCandidate:
		if env.From == nil {
			return nil, errors.New("candidate missing from")
		}
		if env.Content == nil || env.Content.Label == nil || env.Content.Candidate == "" {
			return nil, errors.New("candidate missing content fields")
		}
		mid := env.Content.ID
		return RemoteCandidate{
			From: *env.From,
			Candidate: webrtc.ICECandidateInit{
				Candidate:     env.Content.Candidate,
				SDPMid:        &mid,
				SDPMLineIndex: env.Content.Label,
			},
		}, nil

	case KindJoin:
		if env.ID == nil {
			return nil, errors.New("join missing id")
		}
		if env.Device == "" {
			return nil, errors.New("join missing device")
		}
		return ClientJoined{ID: *env.ID, Device: env.Device}, nil

	case KindLeave:
		if env.ID == nil {
			return nil, errors.New("leave missing id")
		}
		return ClientLeft{ID: *env.ID}, nil

	case KindRoom:
		if env.Clients == nil {
			return nil, errors.New("room missing clients")
		}
		return RoomSnapshot{Clients: env.Clients}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}
