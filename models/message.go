package models

// Message is a fanout payload. The wire field names follow the session
// protocol: timestamps are unix milliseconds and ReplyTo is an index into the
// sender's locally known message sequence at send time, so it only means
// anything to clients that already hold the matching history.
type Message struct {
	ID        string `json:"id"`
	GroupID   string `json:"groupId,omitempty"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	ReplyTo   *int   `json:"replyTo,omitempty"`
}
