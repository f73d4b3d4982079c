package models

import "encoding/json"

// EventType enumerates every event the session protocol carries. The set is
// closed: dispatch switches over these constants and treats anything else as
// a protocol error.
type EventType string

// Client -> server.
const (
	EventCreateGroup  EventType = "create-group"
	EventJoinGroup    EventType = "join-group"
	EventLeaveGroup   EventType = "leave-group"
	EventRenameGroup  EventType = "rename-group"
	EventKickMember   EventType = "kick-member"
	EventSendMessage  EventType = "send-message"
	EventGetMessages  EventType = "get-messages"
	EventPing         EventType = "ping"
)

// Server -> client.
const (
	EventGroupCreated   EventType = "group-created"
	EventGroupJoined    EventType = "group-joined"
	EventUserJoined     EventType = "user-joined"
	EventUserLeft       EventType = "user-left"
	EventGroupDeleted   EventType = "group-deleted"
	EventGroupRenamed   EventType = "group-renamed"
	EventNewMessage     EventType = "new-message"
	EventMessageHistory EventType = "message-history"
	EventPong           EventType = "pong"
)

// Both directions: peer-negotiation payloads relayed between two members of
// the same group.
const (
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventIceCandidate EventType = "ice-candidate"
)

// Event is the wire envelope. Payload stays raw until the dispatch site
// decodes it into the struct matching Type.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent wraps payload into an envelope. Marshal failures are programmer
// errors (all payload types marshal cleanly), so they surface as an error
// only to keep caller code honest.
func NewEvent(t EventType, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Payload: b}, nil
}

// CreateGroupRequest registers a new group. ID and Code may be empty, in
// which case the server generates them.
type CreateGroupRequest struct {
	GroupID   string `json:"groupId,omitempty"`
	GroupCode string `json:"groupCode,omitempty"`
	GroupName string `json:"groupName"`
	UserName  string `json:"userName"`
}

// JoinGroupRequest joins by id or by code; exactly one should be set.
type JoinGroupRequest struct {
	GroupID   string `json:"groupId,omitempty"`
	GroupCode string `json:"groupCode,omitempty"`
	UserName  string `json:"userName"`
}

type LeaveGroupRequest struct {
	GroupID  string `json:"groupId"`
	UserName string `json:"userName"`
}

type RenameGroupRequest struct {
	GroupID string `json:"groupId"`
	NewName string `json:"newName"`
}

type KickMemberRequest struct {
	GroupID string `json:"groupId"`
	Target  string `json:"target"`
}

type SendMessageRequest struct {
	GroupID string  `json:"groupId"`
	Message Message `json:"message"`
}

type GetMessagesRequest struct {
	GroupID string `json:"groupId"`
}

// Signal carries one peer-negotiation payload. SDP is set for offers and
// answers, Candidate for ice-candidate events. From is stamped by the relay,
// never trusted from the sender.
type Signal struct {
	Target    string `json:"target"`
	From      string `json:"from,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

type GroupCreatedReply struct {
	Success bool   `json:"success"`
	Group   *Group `json:"group,omitempty"`
	Message string `json:"message,omitempty"`
}

type GroupJoinedReply struct {
	Success bool   `json:"success"`
	Group   *Group `json:"group,omitempty"`
	Message string `json:"message,omitempty"`
}

type UserJoinedNotice struct {
	UserName string   `json:"userName"`
	Members  []string `json:"members"`
}

// UserLeftNotice omits Members when the server no longer knows them, which
// happens on implicit leaves triggered by a dropped connection.
type UserLeftNotice struct {
	UserName string   `json:"userName"`
	Members  []string `json:"members,omitempty"`
}

type GroupDeletedNotice struct {
	GroupID string `json:"groupId"`
}

type GroupRenamedNotice struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name"`
}

type NewMessageNotice struct {
	Message Message `json:"message"`
}

type MessageHistoryReply struct {
	GroupID  string    `json:"groupId"`
	Messages []Message `json:"messages"`
}
