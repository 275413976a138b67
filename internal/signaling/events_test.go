package signaling

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireProtocolError(t *testing.T, err error, code string) *wsProtocolError {
	t.Helper()
	var protoErr *wsProtocolError
	require.True(t, errors.As(err, &protoErr), "expected *wsProtocolError, got %v", err)
	require.Equal(t, code, protoErr.Code)
	return protoErr
}

func TestDecodeEvent_JoinRoom(t *testing.T) {
	event, payload, err := decodeEvent([]byte(`{"event":"join-room","data":{"roomCode":"AB12cd34","connectionId":"conn-1"}}`))
	require.NoError(t, err)
	require.Equal(t, EventJoinRoom, event)
	require.Equal(t, &JoinRoom{RoomCode: "AB12cd34", ConnectionID: "conn-1"}, payload)
}

func TestDecodeEvent_KeepsSDPVerbatim(t *testing.T) {
	sdp := `{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n","extra":[1,2,3]}`
	event, payload, err := decodeEvent([]byte(`{"event":"offer","data":{"targetConnectionId":"conn-2","sdp":` + sdp + `}}`))
	require.NoError(t, err)
	require.Equal(t, EventOffer, event)

	desc, ok := payload.(*SessionDescription)
	require.True(t, ok)
	require.Equal(t, "conn-2", desc.TargetConnectionID)
	require.JSONEq(t, sdp, string(desc.SDP))
}

func TestDecodeEvent_RaiseHandRequiresFlag(t *testing.T) {
	_, payload, err := decodeEvent([]byte(`{"event":"raise-hand","data":{"roomCode":"AB12cd34","connectionId":"conn-1","isRaised":false}}`))
	require.NoError(t, err)
	require.False(t, *payload.(*RaiseHand).IsRaised)

	_, _, err = decodeEvent([]byte(`{"event":"raise-hand","data":{"roomCode":"AB12cd34","connectionId":"conn-1"}}`))
	pe := requireProtocolError(t, err, "bad_message")
	require.Contains(t, pe.Message, "isRaised is required")
}

func TestDecodeEvent_Rejects(t *testing.T) {
	long := strings.Repeat("x", MaxChatMessageLength+1)
	longName := strings.Repeat("n", MaxDisplayNameLength+1)

	cases := []struct {
		name string
		raw  string
		code string
		msg  string
	}{
		{name: "not json", raw: `hello`, code: "bad_message"},
		{name: "missing event", raw: `{"data":{}}`, code: "bad_message", msg: "missing event name"},
		{name: "unknown event", raw: `{"event":"teleport","data":{}}`, code: "unknown_event"},
		{name: "unknown envelope field", raw: `{"event":"join-room","data":{"roomCode":"a","connectionId":"b"},"x":1}`, code: "bad_message"},
		{name: "unknown payload field", raw: `{"event":"join-room","data":{"roomCode":"a","connectionId":"b","userId":"c"}}`, code: "bad_message"},
		{name: "trailing data", raw: `{"event":"join-room","data":{"roomCode":"a","connectionId":"b"}} {}`, code: "bad_message", msg: "trailing data"},
		{name: "missing data", raw: `{"event":"join-room"}`, code: "bad_message", msg: "missing data"},
		{name: "null data", raw: `{"event":"join-room","data":null}`, code: "bad_message", msg: "missing data"},
		{name: "missing room code", raw: `{"event":"join-room","data":{"connectionId":"b"}}`, code: "bad_message", msg: "roomCode is required"},
		{name: "null sdp", raw: `{"event":"answer","data":{"targetConnectionId":"b","sdp":null}}`, code: "bad_message", msg: "sdp is required"},
		{name: "missing candidate", raw: `{"event":"ice-candidate","data":{"targetConnectionId":"b"}}`, code: "bad_message", msg: "candidate is required"},
		{name: "empty chat message", raw: `{"event":"chat-message","data":{"roomCode":"a","message":"","displayName":"n"}}`, code: "bad_message", msg: "message is required"},
		{name: "chat message too long", raw: `{"event":"chat-message","data":{"roomCode":"a","message":"` + long + `","displayName":"n"}}`, code: "bad_message", msg: "message must be at most 2000 characters"},
		{name: "display name too long", raw: `{"event":"chat-message","data":{"roomCode":"a","message":"hi","displayName":"` + longName + `"}}`, code: "bad_message", msg: "displayName must be at most 64 characters"},
		{name: "wrong type", raw: `{"event":"raise-hand","data":{"roomCode":"a","connectionId":"b","isRaised":"yes"}}`, code: "bad_message"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, payload, err := decodeEvent([]byte(tc.raw))
			require.Nil(t, payload)
			pe := requireProtocolError(t, err, tc.code)
			if tc.msg != "" {
				require.Contains(t, pe.Message, tc.msg)
			}
		})
	}
}

func TestDecodeEvent_ChatLengthCountsCharacters(t *testing.T) {
	msg := strings.Repeat("é", MaxChatMessageLength)
	raw, err := json.Marshal(Envelope{
		Event: EventChatMessage,
		Data:  json.RawMessage(`{"roomCode":"a","message":"` + msg + `","displayName":"n"}`),
	})
	require.NoError(t, err)

	_, _, err = decodeEvent(raw)
	require.NoError(t, err)
}

func TestEncodeEvent(t *testing.T) {
	msg, err := encodeEvent(EventRoomJoined, roomJoinedPayload{RoomCode: "AB12cd34", OtherParticipantIDs: []string{}})
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"room-joined","data":{"roomCode":"AB12cd34","otherParticipantIds":[]}}`, string(msg))
}
