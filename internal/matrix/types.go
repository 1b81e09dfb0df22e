package matrix

import "encoding/json"

// Event types and membership values from the Matrix client-server API.
const (
	EventTypeMember  = "m.room.member"
	EventTypeMessage = "m.room.message"
	EventTypeCreate  = "m.room.create"
	EventTypeName    = "m.room.name"

	MembershipInvite = "invite"
	MembershipJoin   = "join"
	MembershipLeave  = "leave"

	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"

	FormatHTML = "org.matrix.custom.html"
)

// Event is a single event pushed by the homeserver.
type Event struct {
	ID       string          `json:"event_id"`
	Type     string          `json:"type"`
	RoomID   string          `json:"room_id"`
	Sender   string          `json:"sender"`
	StateKey *string         `json:"state_key,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// Transaction is the body of a homeserver transaction push. The homeserver
// retries the whole batch until it gets a 200, so transaction ids repeat.
type Transaction struct {
	Events []Event `json:"events"`
}

// MemberContent is the content of an m.room.member event.
type MemberContent struct {
	Membership  string `json:"membership"`
	Displayname string `json:"displayname,omitempty"`
}

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// CreateContent is the content of the m.room.create state event.
type CreateContent struct {
	Creator string `json:"creator"`
}

// apiError is the Matrix error envelope.
type apiError struct {
	Errcode string `json:"errcode"`
	Err     string `json:"error"`
}
