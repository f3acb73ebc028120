package roomserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/peergrid/callroom/internal/protocol"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return srv
}

type joinReply struct {
	Result string `json:"result"`
	Params struct {
		ClientID   int64  `json:"client_id"`
		WSSURL     string `json:"wss_url"`
		WSSPostURL string `json:"wss_post_url"`
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"ice_servers"`
	} `json:"params"`
}

func join(t *testing.T, srv *httptest.Server, room, device string) joinReply {
	t.Helper()

	body := bytes.NewReader([]byte(`{"device":"` + device + `"}`))
	resp, err := http.Post(srv.URL+"/join/"+room, "application/json", body)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %s", resp.Status)
	}

	var reply joinReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode join reply: %v", err)
	}
	if reply.Result != "SUCCESS" {
		t.Fatalf("join result = %q", reply.Result)
	}
	return reply
}

// peer is a raw websocket participant used to observe server frames.
type peer struct {
	t    *testing.T
	id   int64
	conn *websocket.Conn
}

// dialAndRegister completes the full handshake for one participant.
func dialAndRegister(t *testing.T, srv *httptest.Server, roomID int64, device string) *peer {
	t.Helper()

	reply := join(t, srv, strconv.FormatInt(roomID, 10), device)
	conn, _, err := websocket.DefaultDialer.Dial(reply.Params.WSSURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", reply.Params.WSSURL, err)
	}
	t.Cleanup(func() { conn.Close() })

	p := &peer{t: t, id: reply.Params.ClientID, conn: conn}
	p.write(protocol.MarshalRegister(roomID, p.id))
	return p
}

func (p *peer) write(frame []byte) {
	p.t.Helper()
	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		p.t.Fatalf("client %d write: %v", p.id, err)
	}
}

func (p *peer) recv() protocol.Message {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		p.t.Fatalf("client %d read: %v", p.id, err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		p.t.Fatalf("client %d decode %s: %v", p.id, data, err)
	}
	return msg
}

func (p *peer) recvSnapshot() protocol.RoomSnapshot {
	p.t.Helper()
	msg := p.recv()
	snapshot, ok := msg.(protocol.RoomSnapshot)
	if !ok {
		p.t.Fatalf("client %d got %T, want RoomSnapshot", p.id, msg)
	}
	return snapshot
}

func TestJoinHandshake(t *testing.T) {
	srv := newTestServer(t)

	first := join(t, srv, "7", "cli")
	second := join(t, srv, "7", "phone")

	if first.Params.ClientID == second.Params.ClientID {
		t.Errorf("duplicate client ids: %d", first.Params.ClientID)
	}
	if !strings.HasPrefix(first.Params.WSSURL, "ws://") || !strings.HasSuffix(first.Params.WSSURL, "/ws") {
		t.Errorf("wss_url = %q", first.Params.WSSURL)
	}
	if !strings.HasSuffix(first.Params.WSSPostURL, "/leave") {
		t.Errorf("wss_post_url = %q", first.Params.WSSPostURL)
	}
	if len(first.Params.ICEServers) == 0 || len(first.Params.ICEServers[0].URLs) == 0 {
		t.Errorf("ice_servers = %+v", first.Params.ICEServers)
	}
}

func TestJoinInvalidRoom(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/join/not-a-number", "application/json", nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %s, want 400", resp.Status)
	}
}

func TestRegisterAnnouncesRoster(t *testing.T) {
	srv := newTestServer(t)

	alice := dialAndRegister(t, srv, 42, "cli")
	if snapshot := alice.recvSnapshot(); len(snapshot.Clients) != 1 {
		t.Fatalf("initial roster = %+v", snapshot.Clients)
	}

	bob := dialAndRegister(t, srv, 42, "phone")

	// Alice hears the arrival, then gets the refreshed roster.
	msg := alice.recv()
	joined, ok := msg.(protocol.ClientJoined)
	if !ok {
		t.Fatalf("got %T, want ClientJoined", msg)
	}
	if joined.ID != bob.id || joined.Device != "phone" {
		t.Errorf("joined = %+v", joined)
	}

	for _, p := range []*peer{alice, bob} {
		snapshot := p.recvSnapshot()
		if len(snapshot.Clients) != 2 {
			t.Fatalf("client %d roster = %+v", p.id, snapshot.Clients)
		}
		if snapshot.Clients[0].ID >= snapshot.Clients[1].ID {
			t.Errorf("roster not ordered by id: %+v", snapshot.Clients)
		}
	}
}

func TestRoomRequestReturnsSnapshot(t *testing.T) {
	srv := newTestServer(t)

	alice := dialAndRegister(t, srv, 42, "cli")
	alice.recvSnapshot()

	alice.write(protocol.MarshalRoomRequest())
	snapshot := alice.recvSnapshot()
	if len(snapshot.Clients) != 1 || snapshot.Clients[0].ID != alice.id {
		t.Errorf("roster = %+v", snapshot.Clients)
	}
}

func TestOfferRelay(t *testing.T) {
	srv := newTestServer(t)

	alice := dialAndRegister(t, srv, 42, "cli")
	alice.recvSnapshot()
	bob := dialAndRegister(t, srv, 42, "phone")
	alice.recv()         // bob joined
	alice.recvSnapshot() // refreshed roster
	bob.recvSnapshot()

	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=alice"}
	alice.write(protocol.MarshalOffer(bob.id, sdp, false))

	msg := bob.recv()
	offer, ok := msg.(protocol.RemoteOffer)
	if !ok {
		t.Fatalf("got %T, want RemoteOffer", msg)
	}
	if offer.From != alice.id {
		t.Errorf("From = %d, want %d", offer.From, alice.id)
	}
	if offer.SDP.SDP != sdp.SDP {
		t.Errorf("SDP = %q", offer.SDP.SDP)
	}
}

func TestAnswerRejectionRelay(t *testing.T) {
	srv := newTestServer(t)

	alice := dialAndRegister(t, srv, 42, "cli")
	alice.recvSnapshot()
	bob := dialAndRegister(t, srv, 42, "phone")
	alice.recv()
	alice.recvSnapshot()
	bob.recvSnapshot()

	bob.write(protocol.MarshalAnswer(alice.id, nil))

	msg := alice.recv()
	answer, ok := msg.(protocol.RemoteAnswer)
	if !ok {
		t.Fatalf("got %T, want RemoteAnswer", msg)
	}
	if answer.From != bob.id {
		t.Errorf("From = %d, want %d", answer.From, bob.id)
	}
	if answer.SDP != nil {
		t.Errorf("SDP = %+v, want nil rejection", answer.SDP)
	}
}

func TestLeaveAnnounced(t *testing.T) {
	srv := newTestServer(t)

	alice := dialAndRegister(t, srv, 42, "cli")
	alice.recvSnapshot()
	bob := dialAndRegister(t, srv, 42, "phone")
	alice.recv()
	alice.recvSnapshot()
	bob.recvSnapshot()

	bob.write(protocol.MarshalLeave())

	msg := alice.recv()
	left, ok := msg.(protocol.ClientLeft)
	if !ok {
		t.Fatalf("got %T, want ClientLeft", msg)
	}
	if left.ID != bob.id {
		t.Errorf("ID = %d, want %d", left.ID, bob.id)
	}
	snapshot := alice.recvSnapshot()
	if len(snapshot.Clients) != 1 || snapshot.Clients[0].ID != alice.id {
		t.Errorf("roster after leave = %+v", snapshot.Clients)
	}
}

func TestHTTPLeaveFallback(t *testing.T) {
	srv := newTestServer(t)

	alice := dialAndRegister(t, srv, 42, "cli")
	alice.recvSnapshot()
	bob := dialAndRegister(t, srv, 42, "phone")
	alice.recv()
	alice.recvSnapshot()
	bob.recvSnapshot()

	// Bob's connection hangs; the out-of-band delete must still evict them.
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/leave/42/"+strconv.FormatInt(bob.id, 10), nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %s", resp.Status)
	}

	msg := alice.recv()
	if left, ok := msg.(protocol.ClientLeft); !ok || left.ID != bob.id {
		t.Errorf("got %#v, want bob's leave", msg)
	}
}

func TestDisconnectAnnounced(t *testing.T) {
	srv := newTestServer(t)

	alice := dialAndRegister(t, srv, 42, "cli")
	alice.recvSnapshot()
	bob := dialAndRegister(t, srv, 42, "phone")
	alice.recv()
	alice.recvSnapshot()
	bob.recvSnapshot()

	// Dropping the socket without a leave frame must still evict bob.
	bob.conn.Close()

	msg := alice.recv()
	if left, ok := msg.(protocol.ClientLeft); !ok || left.ID != bob.id {
		t.Errorf("got %#v, want bob's leave", msg)
	}
}
