package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/Wahee-aljabir/meet/internal/metrics"
	"github.com/Wahee-aljabir/meet/internal/ratelimit"
	"github.com/Wahee-aljabir/meet/internal/registry"
	"github.com/Wahee-aljabir/meet/internal/roomcode"
)

// ErrIdentityMismatch is reported when a client names a connection id other
// than the one the server assigned to it.
var ErrIdentityMismatch = errors.New("signaling: connection id mismatch")

const (
	handlerTimeout = 10 * time.Second
	leaveTimeout   = 5 * time.Second
)

// wsSession is the server side of one signaling WebSocket. The read loop runs
// on the HTTP handler goroutine and handles events one at a time.
type wsSession struct {
	srv *Server
	c   *conn
	log *slog.Logger
	ctx context.Context

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	limiter         *ratelimit.TokenBucket
}

func (wss *wsSession) run() {
	wss.srv.metrics.ConnectionOpened()
	defer wss.srv.metrics.ConnectionClosed()

	go wss.c.writePump(wss.pingInterval)

	wss.send(EventConnected, connectedPayload{ConnectionID: wss.c.id})
	wss.log.Info("websocket connected")

	code, reason := wss.readLoop()
	close(wss.c.readDone)

	wss.disconnect()
	wss.c.requestClose(code, reason)
	<-wss.c.writeDone
	_ = wss.c.ws.Close()
	wss.log.Info("websocket disconnected")
}

// readLoop returns the close frame to send when the client stops being
// readable. After a close has been requested it keeps reading, discarding
// messages, so the peer's close reply is consumed instead of reset.
func (wss *wsSession) readLoop() (int, string) {
	ws := wss.c.ws
	ws.SetReadLimit(wss.maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(wss.idleTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wss.idleTimeout))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				return websocket.CloseMessageTooBig, "message too large"
			case isTimeout(err):
				return websocket.CloseNormalClosure, "idle timeout"
			default:
				return websocket.CloseNormalClosure, ""
			}
		}
		_ = ws.SetReadDeadline(time.Now().Add(wss.idleTimeout))
		if wss.c.isClosing() {
			continue
		}
		// The rate limit is applied after reading so the offending message is
		// consumed before the close frame goes out.
		if wss.limiter != nil && !wss.limiter.Allow(1) {
			wss.srv.metrics.Inc(metrics.DropReasonRateLimited)
			wss.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			continue
		}
		if msgType != websocket.TextMessage {
			wss.srv.metrics.Inc(metrics.EventBadMessage)
			wss.sendError("bad_message", "expected text message")
			continue
		}
		wss.dispatch(data)
	}
}

// dispatch handles one event. Failures become events for this client; a
// panic is logged and reported without tearing the connection down.
func (wss *wsSession) dispatch(data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			wss.srv.metrics.Inc(metrics.EventHandlerPanic)
			wss.log.Error("panic handling websocket event", "panic", rec)
			wss.sendError("internal_error", "internal error")
		}
	}()

	event, payload, err := decodeEvent(data)
	if err != nil {
		wss.srv.metrics.Inc(metrics.EventBadMessage)
		var protoErr *wsProtocolError
		if errors.As(err, &protoErr) {
			wss.sendError(protoErr.Code, protoErr.Message)
			return
		}
		wss.sendError("bad_message", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(wss.ctx, handlerTimeout)
	defer cancel()

	switch p := payload.(type) {
	case *JoinRoom:
		wss.handleJoinRoom(ctx, p)
	case *SessionDescription:
		wss.srv.hub.Relay(SignalKind(event), wss.c.id, p.TargetConnectionID, p.SDP)
	case *ICECandidate:
		wss.srv.hub.Relay(SignalICECandidate, wss.c.id, p.TargetConnectionID, p.Candidate)
	case *ChatMessage:
		wss.handleChatMessage(ctx, p)
	case *RaiseHand:
		wss.handleRaiseHand(ctx, p)
	default:
		panic(fmt.Sprintf("no handler for %T", payload))
	}
}

func (wss *wsSession) checkIdentity(claimed string) error {
	if claimed != wss.c.id {
		wss.srv.metrics.Inc(metrics.EventIdentityMismatch)
		return fmt.Errorf("%w: claimed %q", ErrIdentityMismatch, claimed)
	}
	return nil
}

func (wss *wsSession) handleJoinRoom(ctx context.Context, p *JoinRoom) {
	if err := wss.checkIdentity(p.ConnectionID); err != nil {
		wss.log.Warn("rejected join-room", "room_code", p.RoomCode, "err", err)
		wss.send(EventJoinError, reasonPayload{Reason: "User ID mismatch."})
		return
	}
	if !roomcode.Valid(p.RoomCode) {
		wss.send(EventRoomNotFound, roomCodePayload{RoomCode: p.RoomCode})
		return
	}

	prev, joined := wss.srv.hub.RoomOf(wss.c.id)
	rejoin := joined && prev == p.RoomCode

	// The current room is only left once the new one has accepted us.
	wss.srv.hub.beginJoin(wss.c.id, p.RoomCode)
	others, err := wss.srv.registry.JoinRoom(ctx, p.RoomCode, wss.c.id)
	if err != nil {
		wss.srv.hub.abortJoin(wss.c.id)
	}
	if errors.Is(err, registry.ErrRoomNotFound) {
		if rejoin {
			wss.srv.hub.clearRoom(wss.c.id, prev)
		}
		wss.log.Info("join-room for unknown room", "room_code", p.RoomCode)
		wss.send(EventRoomNotFound, roomCodePayload{RoomCode: p.RoomCode})
		return
	}
	if err != nil {
		wss.log.Error("join-room failed", "room_code", p.RoomCode, "err", err)
		wss.send(EventJoinError, reasonPayload{Reason: "Failed to join room due to server error."})
		return
	}

	if joined && !rejoin {
		wss.leave(ctx, prev)
	}
	if !wss.srv.hub.commitJoin(wss.c.id, p.RoomCode) {
		wss.log.Info("room closed while joining", "room_code", p.RoomCode)
		return
	}
	wss.send(EventRoomJoined, roomJoinedPayload{RoomCode: p.RoomCode, OtherParticipantIDs: others})
	if rejoin {
		return
	}
	if msg, err := encodeEvent(EventUserJoined, connectedPayload{ConnectionID: wss.c.id}); err == nil {
		wss.srv.hub.broadcast(others, msg)
	}
	wss.log.Info("joined room", "room_code", p.RoomCode, "others", len(others))
}

// leave removes this connection from code and tells whoever remains. Nothing
// is announced when the registry no longer listed the connection.
func (wss *wsSession) leave(ctx context.Context, code string) {
	wss.srv.hub.clearRoom(wss.c.id, code)
	remaining, removed, err := wss.srv.registry.LeaveRoom(ctx, code, wss.c.id)
	if err != nil {
		wss.log.Warn("leave room failed", "room_code", code, "err", err)
		return
	}
	if !removed {
		wss.log.Debug("left room without membership", "room_code", code)
		return
	}
	if msg, err := encodeEvent(EventUserLeft, connectedPayload{ConnectionID: wss.c.id}); err == nil {
		wss.srv.hub.broadcast(remaining, msg)
	}
	wss.log.Info("left room", "room_code", code, "remaining", len(remaining))
}

// roomMembers resolves the participants of code and checks that this
// connection is one of them. reason is empty on success.
func (wss *wsSession) roomMembers(ctx context.Context, code string) (members []string, reason string) {
	members, err := wss.srv.registry.Participants(ctx, code)
	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		return nil, fmt.Sprintf("Room %s does not exist.", code)
	case err != nil:
		wss.log.Error("list participants failed", "room_code", code, "err", err)
		return nil, "Server error processing your request."
	case !lo.Contains(members, wss.c.id):
		return nil, fmt.Sprintf("You are not a participant in room %s.", code)
	}
	return members, ""
}

func (wss *wsSession) handleChatMessage(ctx context.Context, p *ChatMessage) {
	members, reason := wss.roomMembers(ctx, p.RoomCode)
	if reason != "" {
		wss.send(EventChatError, reasonPayload{Reason: reason})
		return
	}
	msg, err := encodeEvent(EventNewChatMessage, newChatMessagePayload{
		Message:          p.Message,
		DisplayName:      p.DisplayName,
		FromConnectionID: wss.c.id,
	})
	if err != nil {
		wss.send(EventChatError, reasonPayload{Reason: "Server error processing your message."})
		return
	}
	wss.srv.hub.broadcast(members, msg)
	wss.srv.metrics.Inc(metrics.EventChatBroadcast)
}

func (wss *wsSession) handleRaiseHand(ctx context.Context, p *RaiseHand) {
	if err := wss.checkIdentity(p.ConnectionID); err != nil {
		wss.log.Warn("rejected raise-hand", "room_code", p.RoomCode, "err", err)
		wss.send(EventRaiseHandError, reasonPayload{Reason: "User ID mismatch."})
		return
	}
	members, reason := wss.roomMembers(ctx, p.RoomCode)
	if reason != "" {
		wss.send(EventRaiseHandError, reasonPayload{Reason: reason})
		return
	}
	msg, err := encodeEvent(EventUserRaisedHand, userRaisedHandPayload{ConnectionID: wss.c.id, IsRaised: *p.IsRaised})
	if err != nil {
		wss.send(EventRaiseHandError, reasonPayload{Reason: "Server error processing your request."})
		return
	}
	wss.srv.hub.broadcast(members, msg)
	wss.srv.metrics.Inc(metrics.EventHandRaised)
}

// disconnect runs once the transport is gone. The registry call uses its own
// deadline because the request context may already be done.
func (wss *wsSession) disconnect() {
	rs, joined := wss.srv.hub.remove(wss.c.id)
	if !joined {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(wss.ctx), leaveTimeout)
	defer cancel()
	wss.log.Debug("leaving room on disconnect", "room_code", rs.roomCode, "joined_for", time.Since(rs.joinedAt))
	wss.leave(ctx, rs.roomCode)
}

func (wss *wsSession) send(event string, data any) {
	msg, err := encodeEvent(event, data)
	if err != nil {
		wss.log.Error("failed to encode event", "event", event, "err", err)
		return
	}
	wss.srv.hub.deliver(wss.c, msg)
}

func (wss *wsSession) sendError(code, message string) {
	wss.send(EventError, errorPayload{Code: code, Message: message})
}

func (wss *wsSession) fail(code, message string, closeCode int, closeReason string) {
	wss.sendError(code, message)
	wss.c.requestClose(closeCode, closeReason)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
