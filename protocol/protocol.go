// Package protocol defines the long-poll wire format: the four request
// actions, the response envelope and the message and presence entries that
// responses carry.
package protocol

import (
	"errors"
	"fmt"
)

// Action names a request kind.
type Action string

const (
	ActionRegister   Action = "register"
	ActionPost       Action = "post"
	ActionKeepAlive  Action = "keepAlive"
	ActionDisconnect Action = "disconnect"
)

// Status is the outcome carried by every response.
type Status string

const (
	StatusOK            Status = "ok"
	StatusError         Status = "error"
	StatusConnectionEnd Status = "connectionEnd"
)

// Kind tells clients how a message reached them.
type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindPrivate   Kind = "private"
)

// PresenceStatus is the event recorded in a presence entry.
type PresenceStatus string

const (
	PresenceConnect    PresenceStatus = "connect"
	PresenceDisconnect PresenceStatus = "disconnect"
)

// Error titles and messages.
const (
	TitleProtocol    = "Protocol error"
	TitleTimeout     = "timeout"
	TitleReject      = "reject"
	TitleServerError = "Server error"
	TitleStorage     = "Storage error"

	MessageProtocol  = "See the documentation to resolve this error."
	MessageTimeout   = "Timeout, login again please"
	MessageRejected  = "The server has rejected your request"
	MessageNoHandler = "There is no evaluation callback set."
	MessageStorage   = "The server could not complete your request."
)

// Error types
var (
	// ErrProtocol marks a request that does not match exactly one action.
	ErrProtocol = errors.New("protocol error")
	// ErrRejected marks a registration declined by the application.
	ErrRejected = errors.New("registration rejected")
	// ErrTimeout marks a request for an unknown or expired client.
	ErrTimeout = errors.New("client timed out")
)

// Message is a unit of application data delivered to clients.
type Message struct {
	// From is the sender's hash, empty for server-originated messages.
	From    string `json:"from"`
	Message any    `json:"message"`
	Kind    Kind   `json:"kind"`
}

// ClientUpdate is a presence entry. Entries taken from the presence log carry
// their log ID; online snapshots do not.
type ClientUpdate struct {
	ID           *int64         `json:"id,omitempty"`
	Hash         string         `json:"hash"`
	Status       PresenceStatus `json:"status"`
	RegisterData any            `json:"registerData,omitempty"`
	LiveUntil    int64          `json:"liveUntil,omitempty"`
}

// Response is the envelope returned for every request.
type Response struct {
	Status       Status         `json:"status"`
	Title        string         `json:"title,omitempty"`
	Message      string         `json:"message,omitempty"`
	Hash         string         `json:"hash,omitempty"`
	RegisterData any            `json:"registerData,omitempty"`
	KeepAlive    *int64         `json:"keepAlive,omitempty"`
	ClientsList  []ClientUpdate `json:"clientsList,omitempty"`
	Messages     []Message      `json:"messages,omitempty"`
	Maintained   bool           `json:"mantained,omitempty"`
}

// NewError builds an error response.
func NewError(title, message string) *Response {
	return &Response{Status: StatusError, Title: title, Message: message}
}

// ProtocolError is the response for malformed requests.
func ProtocolError() *Response { return NewError(TitleProtocol, MessageProtocol) }

// TimeoutError is the response for unknown or expired clients.
func TimeoutError() *Response { return NewError(TitleTimeout, MessageTimeout) }

// Err maps an error response onto the package's sentinel errors. It returns
// nil for non-error responses.
func (r *Response) Err() error {
	if r == nil || r.Status != StatusError {
		return nil
	}
	switch r.Title {
	case TitleProtocol:
		return fmt.Errorf("%w: %s", ErrProtocol, r.Message)
	case TitleTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, r.Message)
	case TitleReject, TitleServerError:
		return fmt.Errorf("%w: %s", ErrRejected, r.Message)
	}
	return fmt.Errorf("%s: %s", r.Title, r.Message)
}
