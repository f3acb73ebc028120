package signaling

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peergrid/callroom/internal/util"
)

const (
	fetchTimeout      = 10 * time.Second
	maxJoinBodyLength = 1 << 20
)

// joinResponse is the wire shape of the room-join handshake reply.
type joinResponse struct {
	Result string     `json:"result"`
	Params joinParams `json:"params"`
}

type joinParams struct {
	ClientID   int64           `json:"client_id"`
	WSSURL     string          `json:"wss_url"`
	WSSPostURL string          `json:"wss_post_url"`
	ICEServers []joinICEServer `json:"ice_servers"`
	OfferSDP   *joinSDP        `json:"offer_sdp,omitempty"`
	Candidates []joinCandidate `json:"ice_candidates,omitempty"`
}

type joinICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type joinSDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type joinCandidate struct {
	Label     uint16 `json:"label"`
	ID        string `json:"id"`
	Candidate string `json:"candidate"`
}

// RoomParametersFetcher performs exactly one join-URL exchange and reports
// through exactly one of its two callbacks. It holds no state worth keeping
// afterward; discard it once a callback has fired.
type RoomParametersFetcher struct {
	joinURL   string
	message   string
	onSuccess func(*SignalingParameters)
	onError   func(description string)
	client    *http.Client
}

// NewRoomParametersFetcher prepares a fetch of the given join URL. message
// is an optional request body forwarded to the server untouched (empty means
// no body).
func NewRoomParametersFetcher(joinURL, message string,
	onSuccess func(*SignalingParameters), onError func(description string)) *RoomParametersFetcher {
	return &RoomParametersFetcher{
		joinURL:   joinURL,
		message:   message,
		onSuccess: onSuccess,
		onError:   onError,
		client:    &http.Client{Timeout: fetchTimeout},
	}
}

// MakeRequest starts the exchange on its own goroutine and returns
// immediately.
func (f *RoomParametersFetcher) MakeRequest() {
	go f.run()
}

func (f *RoomParametersFetcher) run() {
	util.LogDebug("fetching room parameters: %s", f.joinURL)

	params, err := f.fetch()
	if err != nil {
		f.onError(fmt.Sprintf("Room connect error: %v", err))
		return
	}
	f.onSuccess(params)
}

func (f *RoomParametersFetcher) fetch() (*SignalingParameters, error) {
	var body io.Reader
	if f.message != "" {
		body = strings.NewReader(f.message)
	}

	resp, err := f.client.Post(f.joinURL, "application/json", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-200 response: %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxJoinBodyLength))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var join joinResponse
	if err := json.Unmarshal(raw, &join); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if join.Result != "SUCCESS" {
		return nil, fmt.Errorf("room response error: %s", join.Result)
	}

	return join.Params.toSignalingParameters(), nil
}

func (p joinParams) toSignalingParameters() *SignalingParameters {
	servers := make([]webrtc.ICEServer, 0, len(p.ICEServers))
	for _, s := range p.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}

	var offer *webrtc.SessionDescription
	if p.OfferSDP != nil {
		offer = &webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  p.OfferSDP.SDP,
		}
	}

	candidates := make([]webrtc.ICECandidateInit, 0, len(p.Candidates))
	for _, c := range p.Candidates {
		label := c.Label
		mid := c.ID
		candidates = append(candidates, webrtc.ICECandidateInit{
			Candidate:     c.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &label,
		})
	}

	return &SignalingParameters{
		ICEServers:    servers,
		ClientID:      p.ClientID,
		WSSURL:        p.WSSURL,
		WSSPostURL:    p.WSSPostURL,
		OfferSDP:      offer,
		ICECandidates: candidates,
	}
}
