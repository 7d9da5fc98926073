// Package protocol defines the JSON envelopes exchanged over a chat
// connection. Inbound frames decode into one of a closed set of Envelope
// types; outbound frames are built with the New* constructors.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the value of an envelope's "type" field.
type Kind string

const (
	KindLogin        Kind = "login"
	KindRegistration Kind = "registration"
	KindJoin         Kind = "join"
	KindMessage      Kind = "message"
	KindFile         Kind = "file"
	KindTyping       Kind = "typing"
	KindError        Kind = "error"
	KindNotification Kind = "notification"
	KindPresence     Kind = "presence"
	KindPresenceList Kind = "presenceList"
)

// AllRecipients is the receiver value that addresses every connection.
const AllRecipients = "All"

// ErrMalformed is returned for frames that are not a JSON object with a
// string "type" field.
var ErrMalformed = errors.New("protocol: malformed envelope")

// ErrUnknownType is reported for frames whose type is outside the protocol.
var ErrUnknownType = errors.New("protocol: unknown message type")

// RequiresAuth reports whether envelopes of kind k may only be routed for an
// authenticated connection.
func RequiresAuth(k Kind) bool {
	switch k {
	case KindMessage, KindFile, KindTyping:
		return true
	default:
		return false
	}
}

// Envelope is a decoded inbound frame.
type Envelope interface {
	Kind() Kind
}

// Login asks the credential store to verify a username and password.
type Login struct {
	Username string
	Password string
}

// Registration asks the credential store to create an account.
type Registration struct {
	Username string
	Password string
}

// Join claims an identity for the connection.
type Join struct {
	Username string
}

// Message is a chat text addressed to AllRecipients or to one identity.
type Message struct {
	Username string
	Message  string
	Receiver string
}

// File is a file payload addressed like Message.
type File struct {
	Username string
	Filename string
	Filetype string
	Data     string
	Receiver string
}

// Typing toggles the sender's typing indicator.
type Typing struct {
	Username string
	IsTyping bool
}

// Unknown carries a frame whose type is not part of the protocol.
type Unknown struct {
	Type Kind
}

func (Login) Kind() Kind        { return KindLogin }
func (Registration) Kind() Kind { return KindRegistration }
func (Join) Kind() Kind         { return KindJoin }
func (Message) Kind() Kind      { return KindMessage }
func (File) Kind() Kind         { return KindFile }
func (Typing) Kind() Kind       { return KindTyping }
func (u Unknown) Kind() Kind    { return u.Type }

// Err wraps ErrUnknownType with the offending type.
func (u Unknown) Err() error {
	return fmt.Errorf("%w: %q", ErrUnknownType, string(u.Type))
}

// wireInbound is the union of every inbound field. Older clients spell the
// receiver field "reciever", so both are accepted.
type wireInbound struct {
	Type     *string `json:"type"`
	Username string  `json:"username"`
	Password string  `json:"password"`
	Message  string  `json:"message"`
	Receiver string  `json:"receiver"`
	Reciever string  `json:"reciever"`
	Filename string  `json:"filename"`
	Filetype string  `json:"filetype"`
	Data     string  `json:"data"`
	IsTyping bool    `json:"isTyping"`
}

func (w *wireInbound) receiver() string {
	if w.Receiver != "" {
		return w.Receiver
	}
	return w.Reciever
}

// Decode parses one inbound frame. Frames with an unrecognised type decode
// to Unknown rather than failing, so the caller decides how to reject them.
func Decode(raw []byte) (Envelope, error) {
	var w wireInbound
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch kind := Kind(*w.Type); kind {
	case KindLogin:
		return Login{Username: w.Username, Password: w.Password}, nil
	case KindRegistration:
		return Registration{Username: w.Username, Password: w.Password}, nil
	case KindJoin:
		return Join{Username: w.Username}, nil
	case KindMessage:
		return Message{Username: w.Username, Message: w.Message, Receiver: w.receiver()}, nil
	case KindFile:
		return File{
			Username: w.Username,
			Filename: w.Filename,
			Filetype: w.Filetype,
			Data:     w.Data,
			Receiver: w.receiver(),
		}, nil
	case KindTyping:
		return Typing{Username: w.Username, IsTyping: w.IsTyping}, nil
	default:
		return Unknown{Type: kind}, nil
	}
}
