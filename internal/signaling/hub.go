package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/Wahee-aljabir/meet/internal/metrics"
	"github.com/Wahee-aljabir/meet/internal/registry"
)

var errDuplicateConnID = errors.New("signaling: connection id already in use")

// SignalKind names the three relayed WebRTC messages.
type SignalKind string

const (
	SignalOffer        SignalKind = EventOffer
	SignalAnswer       SignalKind = EventAnswer
	SignalICECandidate SignalKind = EventICECandidate
)

// roomSession records which room a connection joined and when.
type roomSession struct {
	roomCode string
	joinedAt time.Time
}

// pendingJoin is a join whose registry call has not been committed to the
// session table yet. closed is set when the room is swept in between.
type pendingJoin struct {
	roomCode string
	closed   bool
}

// Hub tracks the live connections of this process and which room each one
// has joined. The registry is the source of truth for membership; the hub
// only knows where to deliver.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	conns   map[string]*conn
	rooms   map[string]roomSession
	joining map[string]pendingJoin
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:     logger,
		metrics: m,
		conns:   make(map[string]*conn),
		rooms:   make(map[string]roomSession),
		joining: make(map[string]pendingJoin),
	}
}

func (h *Hub) add(c *conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.conns[c.id]; exists {
		return errDuplicateConnID
	}
	h.conns[c.id] = c
	return nil
}

// remove forgets the connection and returns the room it had joined, if any.
func (h *Hub) remove(id string) (roomSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
	rs, joined := h.rooms[id]
	delete(h.rooms, id)
	delete(h.joining, id)
	return rs, joined
}

// RoomOf returns the room the connection has joined.
func (h *Hub) RoomOf(id string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rs, ok := h.rooms[id]
	return rs.roomCode, ok
}

// beginJoin marks id as joining code until commitJoin or abortJoin, so a
// sweep of code in the meantime still reaches the connection.
func (h *Hub) beginJoin(id, code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, live := h.conns[id]; live {
		h.joining[id] = pendingJoin{roomCode: code}
	}
}

func (h *Hub) abortJoin(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.joining, id)
}

// commitJoin records code as the connection's room. It returns false when
// the room was closed while the join was pending; the connection has then
// already been sent room-closed.
func (h *Hub) commitJoin(id, code string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	pj, pending := h.joining[id]
	delete(h.joining, id)
	if _, live := h.conns[id]; !live || !pending || pj.closed || pj.roomCode != code {
		return false
	}
	if h.rooms[id].roomCode != code {
		h.rooms[id] = roomSession{roomCode: code, joinedAt: time.Now()}
	}
	return true
}

// clearRoom drops the session entry only while it still points at code.
func (h *Hub) clearRoom(id, code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[id].roomCode == code {
		delete(h.rooms, id)
	}
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) lookup(id string) *conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

func (h *Hub) deliver(c *conn, msg []byte) bool {
	ok, slow := c.enqueue(msg)
	if slow {
		h.metrics.Inc(metrics.EventSlowConsumer)
		h.log.Warn("closing slow websocket consumer", "connection_id", c.id)
	}
	return ok
}

// broadcast enqueues msg for every listed connection that is live here and
// returns how many accepted it.
func (h *Hub) broadcast(ids []string, msg []byte) int {
	h.mu.RLock()
	targets := lo.FilterMap(ids, func(id string, _ int) (*conn, bool) {
		c, ok := h.conns[id]
		return c, ok
	})
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if h.deliver(c, msg) {
			n++
		}
	}
	return n
}

// Relay forwards an offer, answer or ICE candidate to targetID with the
// payload untouched. Messages addressed to an unknown connection or back to
// the sender are dropped.
func (h *Hub) Relay(kind SignalKind, senderID, targetID string, payload json.RawMessage) bool {
	if targetID == senderID {
		h.drop(kind, senderID, targetID, "self")
		return false
	}
	target := h.lookup(targetID)
	if target == nil {
		h.drop(kind, senderID, targetID, "unknown_target")
		return false
	}

	var (
		msg []byte
		err error
	)
	switch kind {
	case SignalOffer:
		msg, err = encodeEvent(EventOfferReceived, relayedDescription{SDP: payload, FromConnectionID: senderID})
	case SignalAnswer:
		msg, err = encodeEvent(EventAnswerReceived, relayedDescription{SDP: payload, FromConnectionID: senderID})
	case SignalICECandidate:
		msg, err = encodeEvent(EventICECandidateReceived, relayedCandidate{Candidate: payload, FromConnectionID: senderID})
	default:
		h.drop(kind, senderID, targetID, "unknown_kind")
		return false
	}
	if err != nil {
		h.log.Error("failed to encode relayed signal", "kind", string(kind), "err", err)
		h.drop(kind, senderID, targetID, "encode")
		return false
	}

	if !h.deliver(target, msg) {
		h.drop(kind, senderID, targetID, "closing")
		return false
	}
	h.metrics.Inc(metrics.EventSignalRelayed)
	h.log.Debug("relayed signal", "kind", string(kind), "from", senderID, "to", targetID)
	return true
}

func (h *Hub) drop(kind SignalKind, from, to, reason string) {
	h.metrics.Inc(metrics.EventSignalDropped)
	h.log.Debug("dropped signal", "kind", string(kind), "from", from, "to", to, "reason", reason)
}

// CloseRoom tells every connection joined to, or still joining, a swept room
// that the room is gone and closes it. It is meant to be the sweeper's
// OnEvict hook.
func (h *Hub) CloseRoom(d registry.DeletedRoom) {
	msg, err := encodeEvent(EventRoomClosed, roomClosedPayload{RoomCode: d.Code, Reason: string(d.Reason)})
	if err != nil {
		h.log.Error("failed to encode room-closed", "room_code", d.Code, "err", err)
		return
	}

	h.mu.Lock()
	var affected []*conn
	for _, p := range d.Participants {
		c, ok := h.conns[p.ConnID]
		if !ok {
			continue
		}
		joined := h.rooms[p.ConnID].roomCode == d.Code
		pj, pending := h.joining[p.ConnID]
		pending = pending && pj.roomCode == d.Code
		if !joined && !pending {
			continue
		}
		if joined {
			delete(h.rooms, p.ConnID)
		}
		if pending {
			pj.closed = true
			h.joining[p.ConnID] = pj
		}
		affected = append(affected, c)
	}
	h.mu.Unlock()

	for _, c := range affected {
		h.deliver(c, msg)
		c.requestClose(websocket.CloseNormalClosure, "room closed")
	}
	if len(affected) > 0 {
		h.log.Info("closed evicted room", "room_code", d.Code, "reason", string(d.Reason), "connections", len(affected))
	}
}

// CloseAll asks every live connection to close, e.g. during shutdown.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	all := lo.Values(h.conns)
	h.mu.RUnlock()
	for _, c := range all {
		c.requestClose(code, reason)
	}
}
