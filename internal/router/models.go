package router

import "encoding/json"

// ClientMessage is the inbound wire envelope. The payload shape depends on
// the event.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound event names.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventLocationUpdate  = "locationUpdate"
	EventJoin            = "join"
	EventLeave           = "leave"
	EventSetDestination  = "setDestination"
	EventSetMeetingPoint = "setMeetingPoint"
	EventArchive         = "archive"
)

// ErrorReply is the payload of an "error" event sent back to the session that
// caused it.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent to clients.
const (
	CodeBadMessage        = "badMessage"
	CodeUnknownEvent      = "unknownEvent"
	CodeUnknownGroup      = "unknownGroup"
	CodeUnknownMember     = "unknownMember"
	CodeDuplicateMember   = "duplicateMember"
	CodeGroupClosed       = "groupClosed"
	CodeInvalidCoordinate = "invalidCoordinate"
	CodeInternal          = "internal"
)
