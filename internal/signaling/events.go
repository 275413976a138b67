package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Client to server events.
const (
	EventJoinRoom     = "join-room"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventChatMessage  = "chat-message"
	EventRaiseHand    = "raise-hand"
)

// Server to client events.
const (
	EventConnected            = "connected"
	EventRoomJoined           = "room-joined"
	EventRoomNotFound         = "room-not-found"
	EventJoinError            = "join-error"
	EventUserJoined           = "user-joined"
	EventUserLeft             = "user-left"
	EventOfferReceived        = "offer-received"
	EventAnswerReceived       = "answer-received"
	EventICECandidateReceived = "ice-candidate-received"
	EventNewChatMessage       = "new-chat-message"
	EventChatError            = "chat-error"
	EventUserRaisedHand       = "user-raised-hand"
	EventRaiseHandError       = "raise-hand-error"
	EventRoomClosed           = "room-closed"
	EventError                = "error"
)

const (
	MaxChatMessageLength = 2000
	MaxDisplayNameLength = 64
)

// Envelope is the frame every WebSocket text message carries.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRoom struct {
	RoomCode     string `json:"roomCode" validate:"required"`
	ConnectionID string `json:"connectionId" validate:"required"`
}

// SessionDescription carries an offer or answer. SDP is relayed untouched.
type SessionDescription struct {
	TargetConnectionID string          `json:"targetConnectionId" validate:"required"`
	SDP                json.RawMessage `json:"sdp" validate:"required"`
}

type ICECandidate struct {
	TargetConnectionID string          `json:"targetConnectionId" validate:"required"`
	Candidate          json.RawMessage `json:"candidate" validate:"required"`
}

type ChatMessage struct {
	RoomCode    string `json:"roomCode" validate:"required"`
	Message     string `json:"message" validate:"required,max=2000"`
	DisplayName string `json:"displayName" validate:"required,max=64"`
}

type RaiseHand struct {
	RoomCode     string `json:"roomCode" validate:"required"`
	ConnectionID string `json:"connectionId" validate:"required"`
	IsRaised     *bool  `json:"isRaised" validate:"required"`
}

type connectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

type roomJoinedPayload struct {
	RoomCode            string   `json:"roomCode"`
	OtherParticipantIDs []string `json:"otherParticipantIds"`
}

type roomCodePayload struct {
	RoomCode string `json:"roomCode"`
}

type reasonPayload struct {
	Reason string `json:"reason"`
}

type relayedDescription struct {
	SDP              json.RawMessage `json:"sdp"`
	FromConnectionID string          `json:"fromConnectionId"`
}

type relayedCandidate struct {
	Candidate        json.RawMessage `json:"candidate"`
	FromConnectionID string          `json:"fromConnectionId"`
}

type newChatMessagePayload struct {
	Message          string `json:"message"`
	DisplayName      string `json:"displayName"`
	FromConnectionID string `json:"fromConnectionId"`
}

type userRaisedHandPayload struct {
	ConnectionID string `json:"connectionId"`
	IsRaised     bool   `json:"isRaised"`
}

type roomClosedPayload struct {
	RoomCode string `json:"roomCode"`
	Reason   string `json:"reason"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsProtocolError is reported to the client as an `error` event.
type wsProtocolError struct {
	Code    string
	Message string
}

func (e *wsProtocolError) Error() string { return e.Code + ": " + e.Message }

func badMessage(format string, args ...any) error {
	return &wsProtocolError{Code: "bad_message", Message: fmt.Sprintf(format, args...)}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeEvent parses one inbound frame into the payload type registered for
// its event name. Every failure is a *wsProtocolError.
func decodeEvent(data []byte) (string, any, error) {
	var env Envelope
	if err := decodeStrictJSON(data, &env); err != nil {
		return "", nil, badMessage("invalid envelope: %v", err)
	}

	var payload any
	switch env.Event {
	case EventJoinRoom:
		payload = &JoinRoom{}
	case EventOffer, EventAnswer:
		payload = &SessionDescription{}
	case EventICECandidate:
		payload = &ICECandidate{}
	case EventChatMessage:
		payload = &ChatMessage{}
	case EventRaiseHand:
		payload = &RaiseHand{}
	case "":
		return "", nil, badMessage("missing event name")
	default:
		return env.Event, nil, &wsProtocolError{Code: "unknown_event", Message: fmt.Sprintf("unknown event %q", env.Event)}
	}

	if isNullOrEmpty(env.Data) {
		return env.Event, nil, badMessage("%s: missing data", env.Event)
	}
	if err := decodeStrictJSON(env.Data, payload); err != nil {
		return env.Event, nil, badMessage("%s: %v", env.Event, err)
	}
	if err := validate.Struct(payload); err != nil {
		return env.Event, nil, badMessage("%s: %s", env.Event, describeValidation(err))
	}
	if err := checkRawFields(payload); err != nil {
		return env.Event, nil, badMessage("%s: %v", env.Event, err)
	}
	return env.Event, payload, nil
}

// checkRawFields rejects an explicit JSON null where a relayed value is
// required; validator only sees a non-empty byte slice.
func checkRawFields(payload any) error {
	switch p := payload.(type) {
	case *SessionDescription:
		if isNullOrEmpty(p.SDP) {
			return errors.New("sdp is required")
		}
	case *ICECandidate:
		if isNullOrEmpty(p.Candidate) {
			return errors.New("candidate is required")
		}
	}
	return nil
}

func isNullOrEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func encodeEvent(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}
