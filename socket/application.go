package socket

import (
	"context"

	"github.com/ggoodman/fakesocket-go/protocol"
)

// Registration is a pending client. Authorize may replace Data to redact it
// before it is stored, echoed back and revealed to other clients.
type Registration struct {
	Data any
}

// Tx gives the application access to the socket during one request.
type Tx interface {
	// Hash of the requesting client, empty during registration.
	Hash() string
	// Online lists the clients online right now.
	Online() []protocol.ClientUpdate
	// Send broadcasts message when receipt is empty, otherwise queues it for
	// the client with that hash. Messages for unknown clients are dropped.
	Send(message any, receipt string) error
}

// Application is implemented by the service embedding the socket.
type Application interface {
	// Authorize decides whether a client may register. A false result rejects
	// it; reason, when not empty, is returned to the client.
	Authorize(ctx context.Context, tx Tx, reg *Registration) (ok bool, reason string)
	// OnMessage is called once per message of a post batch.
	OnMessage(ctx context.Context, tx Tx, sender string, message any) error
}

// ApplicationFuncs adapts plain functions to Application. Without an
// AuthorizeFunc every registration fails with a server error.
type ApplicationFuncs struct {
	AuthorizeFunc func(ctx context.Context, tx Tx, reg *Registration) (bool, string)
	OnMessageFunc func(ctx context.Context, tx Tx, sender string, message any) error
}

// Authorize calls AuthorizeFunc, rejecting when it is nil.
func (f ApplicationFuncs) Authorize(ctx context.Context, tx Tx, reg *Registration) (bool, string) {
	if f.AuthorizeFunc == nil {
		return false, protocol.MessageNoHandler
	}
	return f.AuthorizeFunc(ctx, tx, reg)
}

// OnMessage calls OnMessageFunc; a nil func ignores the message.
func (f ApplicationFuncs) OnMessage(ctx context.Context, tx Tx, sender string, message any) error {
	if f.OnMessageFunc == nil {
		return nil
	}
	return f.OnMessageFunc(ctx, tx, sender, message)
}

func (f ApplicationFuncs) canAuthorize() bool { return f.AuthorizeFunc != nil }

func canAuthorize(app Application) bool {
	if app == nil {
		return false
	}
	if c, ok := app.(interface{ canAuthorize() bool }); ok {
		return c.canAuthorize()
	}
	return true
}
