package roomserver

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/peergrid/callroom/internal/protocol"
)

// member is one registered participant connection.
type member struct {
	id     int64
	device string

	mu   sync.Mutex
	conn *websocket.Conn
}

func (m *member) send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// hub tracks room membership and relays peer-addressed frames. Every
// membership change pushes a complete roster snapshot to the whole room;
// clients never receive deltas on the "room" command.
type hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	rooms   map[int64]map[int64]*member
	devices map[int64]string // device labels reserved at join time
}

func newHub(log zerolog.Logger) *hub {
	return &hub{
		log:     log,
		rooms:   make(map[int64]map[int64]*member),
		devices: make(map[int64]string),
	}
}

// reserve records the device label announced in the join handshake so the
// later register frame can pick it up.
func (h *hub) reserve(clientID int64, device string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[clientID] = device
}

// register binds a websocket connection to a room and announces it.
func (h *hub) register(roomID, clientID int64, conn *websocket.Conn) *member {
	h.mu.Lock()
	device, ok := h.devices[clientID]
	if !ok {
		device = "unknown"
	}
	delete(h.devices, clientID)

	m := &member{id: clientID, device: device, conn: conn}
	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[int64]*member)
		h.rooms[roomID] = room
	}
	room[clientID] = m
	h.mu.Unlock()

	h.log.Info().Int64("room", roomID).Int64("client", clientID).
		Str("device", device).Msg("client registered")

	joinFrame := marshalFrame(protocol.Envelope{
		Type:   protocol.KindJoin,
		ID:     &m.id,
		Device: m.device,
	})
	h.broadcast(roomID, joinFrame, clientID)
	h.broadcastSnapshot(roomID)
	return m
}

// leave removes a client and announces the departure. Safe to call for
// clients that already left.
func (h *hub) leave(roomID, clientID int64) {
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if ok {
		if _, present := room[clientID]; !present {
			ok = false
		}
		delete(room, clientID)
		if len(room) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	h.log.Info().Int64("room", roomID).Int64("client", clientID).Msg("client left")

	id := clientID
	leaveFrame := marshalFrame(protocol.Envelope{Type: protocol.KindLeave, ID: &id})
	h.broadcast(roomID, leaveFrame, clientID)
	h.broadcastSnapshot(roomID)
}

// relay forwards a peer-addressed frame, stamping the sender identity and
// rewriting cmd to type the way clients expect inbound frames.
func (h *hub) relay(roomID, from, to int64, frame protocol.Envelope) {
	h.mu.Lock()
	target, ok := h.rooms[roomID][to]
	h.mu.Unlock()

	if !ok {
		h.log.Warn().Int64("room", roomID).Int64("to", to).
			Str("kind", frame.Cmd).Msg("relay target not in room")
		return
	}

	out := protocol.Envelope{
		Type:     frame.Cmd,
		From:     &from,
		Accept:   frame.Accept,
		IsHelper: frame.IsHelper,
		Content:  frame.Content,
	}
	if err := target.send(marshalFrame(out)); err != nil {
		h.log.Warn().Err(err).Int64("to", to).Msg("relay failed")
	}
}

// snapshot returns the complete membership of a room ordered by client id.
func (h *hub) snapshot(roomID int64) []protocol.ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[roomID]
	clients := make([]protocol.ClientInfo, 0, len(room))
	for _, m := range room {
		clients = append(clients, protocol.ClientInfo{ID: m.id, Device: m.device})
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients
}

// sendSnapshot pushes the current roster to a single member.
func (h *hub) sendSnapshot(roomID int64, m *member) {
	frame := marshalFrame(protocol.Envelope{
		Type:    protocol.KindRoom,
		Clients: h.snapshot(roomID),
	})
	if err := m.send(frame); err != nil {
		h.log.Warn().Err(err).Int64("client", m.id).Msg("snapshot send failed")
	}
}

// broadcastSnapshot pushes the current roster to everyone in the room.
func (h *hub) broadcastSnapshot(roomID int64) {
	frame := marshalFrame(protocol.Envelope{
		Type:    protocol.KindRoom,
		Clients: h.snapshot(roomID),
	})
	h.broadcast(roomID, frame, 0)
}

// broadcast sends a frame to every member of a room except skipID.
func (h *hub) broadcast(roomID int64, frame []byte, skipID int64) {
	h.mu.Lock()
	members := make([]*member, 0, len(h.rooms[roomID]))
	for _, m := range h.rooms[roomID] {
		if m.id != skipID {
			members = append(members, m)
		}
	}
	h.mu.Unlock()

	for _, m := range members {
		if err := m.send(frame); err != nil {
			h.log.Warn().Err(err).Int64("client", m.id).Msg("broadcast send failed")
		}
	}
}

func marshalFrame(env protocol.Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		panic(err) // fixed key set, cannot fail
	}
	return data
}
