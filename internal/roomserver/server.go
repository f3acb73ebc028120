// Package roomserver implements the signaling counterpart the client talks
// to: a join handshake over HTTP and a websocket endpoint that tracks room
// rosters and relays negotiation frames between peers. It exists for local
// development and tests; it speaks the exact wire protocol of the hosted
// room service.
package roomserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/peergrid/callroom/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// defaultICEServers is handed to every joining client. Plain STUN only; a
// deployment needing TURN fronts this server with its own credentials.
var defaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Server is the room signaling server.
type Server struct {
	log          zerolog.Logger
	hub          *hub
	nextClientID atomic.Int64
}

// New creates a Server logging through log.
func New(log zerolog.Logger) *Server {
	return &Server{
		log: log,
		hub: newHub(log),
	}
}

// Router builds the HTTP surface: the join handshake, the websocket
// endpoint and the out-of-band leave fallback.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/join/{room}", s.handleJoin)
	r.Get("/ws", s.handleWS)
	r.Delete("/leave/{room}/{client}", s.handleLeave)
	return r
}

// joinRequest is the optional join body sent by clients.
type joinRequest struct {
	Device string `json:"device"`
}

// handleJoin allocates a client identity and returns the signaling
// parameters for the room.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(chi.URLParam(r, "room"), 10, 64)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	var join joinRequest
	if r.Body != nil {
		// Body is optional; a missing or malformed one just means no
		// device label.
		_ = json.NewDecoder(r.Body).Decode(&join)
	}
	if join.Device == "" {
		join.Device = "unknown"
	}

	clientID := s.nextClientID.Add(1)
	s.hub.reserve(clientID, join.Device)

	wsScheme, httpScheme := "ws", "http"
	if r.TLS != nil {
		wsScheme, httpScheme = "wss", "https"
	}

	resp := map[string]any{
		"result": "SUCCESS",
		"params": map[string]any{
			"client_id":    clientID,
			"wss_url":      wsScheme + "://" + r.Host + "/ws",
			"wss_post_url": httpScheme + "://" + r.Host + "/leave",
			"ice_servers":  []map[string]any{{"urls": defaultICEServers}},
		},
	}

	s.log.Info().Int64("room", roomID).Int64("client", clientID).
		Str("device", join.Device).Msg("join")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn().Err(err).Msg("join response write failed")
	}
}

// inboundFrame is the superset of every client frame the server accepts.
type inboundFrame struct {
	Cmd      string            `json:"cmd"`
	To       *int64            `json:"to"`
	RoomID   int64             `json:"roomid"`
	ClientID int64             `json:"clientid"`
	Accept   *bool             `json:"accept"`
	IsHelper *bool             `json:"isHelper"`
	Content  *protocol.Content `json:"content"`
}

// handleWS upgrades the connection and serves its frames until it drops.
// The first useful frame must be a register; everything before that is
// ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	var (
		m      *member
		roomID int64
	)
	defer func() {
		if m != nil {
			s.hub.leave(roomID, m.id)
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch frame.Cmd {
		case protocol.KindRegister:
			if m != nil {
				s.log.Warn().Int64("client", m.id).Msg("duplicate register")
				continue
			}
			roomID = frame.RoomID
			m = s.hub.register(roomID, frame.ClientID, conn)

		case protocol.KindRoom:
			if m != nil {
				s.hub.sendSnapshot(roomID, m)
			}

		case protocol.KindLeave:
			if m != nil {
				s.hub.leave(roomID, m.id)
				m = nil
			}

		case protocol.KindOffer, protocol.KindAnswer, protocol.KindCandidate:
			if m == nil || frame.To == nil {
				s.log.Warn().Str("kind", frame.Cmd).Msg("dropping unroutable frame")
				continue
			}
			s.hub.relay(roomID, m.id, *frame.To, frame.toEnvelope())

		default:
			s.log.Warn().Str("kind", frame.Cmd).Msg("dropping unknown frame")
		}
	}
}

func (f inboundFrame) toEnvelope() protocol.Envelope {
	return protocol.Envelope{
		Cmd:      f.Cmd,
		Accept:   f.Accept,
		IsHelper: f.IsHelper,
		Content:  f.Content,
	}
}

// handleLeave is the HTTP fallback used when a client's close frame may
// have been lost.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	roomID, err1 := strconv.ParseInt(chi.URLParam(r, "room"), 10, 64)
	clientID, err2 := strconv.ParseInt(chi.URLParam(r, "client"), 10, 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "invalid ids", http.StatusBadRequest)
		return
	}
	s.hub.leave(roomID, clientID)
	w.WriteHeader(http.StatusOK)
}
