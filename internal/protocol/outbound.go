package protocol

import (
	"encoding/json"
	"time"
)

// Outcome of a login or registration request.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

// ErrorEnvelope reports a rejected frame. RetryAfter is set, in seconds, only
// for rate-limit rejections.
type ErrorEnvelope struct {
	Type       Kind   `json:"type"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// AuthResult answers a login or registration request.
type AuthResult struct {
	Type    Kind   `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Notification announces a join or leave together with the current user list.
type Notification struct {
	Type     Kind     `json:"type"`
	Username string   `json:"username"`
	UserList []string `json:"userList"`
	Message  string   `json:"message"`
}

// ChatMessage is a routed chat text.
type ChatMessage struct {
	Type     Kind   `json:"type"`
	Username string `json:"username"`
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
}

// FileMessage is a routed file payload.
type FileMessage struct {
	Type     Kind   `json:"type"`
	Username string `json:"username"`
	Receiver string `json:"receiver"`
	Filename string `json:"filename"`
	Filetype string `json:"filetype"`
	Data     string `json:"data"`
}

// PresenceUpdate is a single presence transition. Timestamp is in unix
// milliseconds.
type PresenceUpdate struct {
	Type      Kind   `json:"type"`
	Username  string `json:"username"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// PresenceEntry is one identity in a presence snapshot.
type PresenceEntry struct {
	Status       string `json:"status"`
	LastActivity int64  `json:"lastActivity"`
}

// PresenceList is the full presence snapshot sent to a newly joined client.
type PresenceList struct {
	Type  Kind                     `json:"type"`
	Users map[string]PresenceEntry `json:"users"`
}

// NewError builds an error envelope.
func NewError(msg string) ErrorEnvelope {
	return ErrorEnvelope{Type: KindError, Error: msg}
}

// NewRateLimited builds an error envelope carrying the remaining lockout.
func NewRateLimited(msg string, retryAfterSeconds int) ErrorEnvelope {
	return ErrorEnvelope{Type: KindError, Error: msg, RetryAfter: retryAfterSeconds}
}

// NewAuthSuccess builds a successful login or registration reply.
func NewAuthSuccess(kind Kind) AuthResult {
	return AuthResult{Type: kind, Status: StatusSuccess}
}

// NewAuthFailure builds a failed login or registration reply.
func NewAuthFailure(kind Kind, reason, msg string) AuthResult {
	return AuthResult{Type: kind, Status: StatusFail, Reason: reason, Message: msg}
}

// NewNotification builds a join/leave announcement.
func NewNotification(username string, users []string, msg string) Notification {
	if users == nil {
		users = []string{}
	}
	return Notification{Type: KindNotification, Username: username, UserList: users, Message: msg}
}

// NewChatMessage builds an outbound chat message.
func NewChatMessage(from, to, body string) ChatMessage {
	return ChatMessage{Type: KindMessage, Username: from, Receiver: to, Message: body}
}

// NewFileMessage builds an outbound file message.
func NewFileMessage(from, to, filename, filetype, data string) FileMessage {
	return FileMessage{
		Type:     KindFile,
		Username: from,
		Receiver: to,
		Filename: filename,
		Filetype: filetype,
		Data:     data,
	}
}

// NewPresenceUpdate builds a presence transition envelope.
func NewPresenceUpdate(username, status string, at time.Time) PresenceUpdate {
	return PresenceUpdate{Type: KindPresence, Username: username, Status: status, Timestamp: at.UnixMilli()}
}

// NewPresenceList builds a snapshot envelope.
func NewPresenceList(users map[string]PresenceEntry) PresenceList {
	if users == nil {
		users = map[string]PresenceEntry{}
	}
	return PresenceList{Type: KindPresenceList, Users: users}
}

// Encode marshals an outbound envelope into a text frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
