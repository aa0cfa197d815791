// Package chat is a small multi-user chat room built on the socket. Names
// must be unique among online clients; messages carrying a "to" hash are
// delivered privately to that client and echoed to the sender, everything
// else is broadcast.
//
// Name matching ignores case, so "Alice" and "alice" cannot be online at the
// same time. Authorize replaces registerData with {"name": <name>}: any other
// fields a client registers with are neither stored, echoed nor shown to
// other clients.
package chat

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ggoodman/fakesocket-go/internal/logctx"
	"github.com/ggoodman/fakesocket-go/socket"
)

// ReasonNameInUse is returned when a name is already taken.
const ReasonNameInUse = "The name is already in use"

// ReasonNameRequired is returned when registerData carries no usable name.
const ReasonNameRequired = "A name is required"

var _ socket.Application = (*Room)(nil)

// Room implements socket.Application.
type Room struct {
	log *slog.Logger
}

// Option configures a Room.
type Option func(*Room)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Room) { r.log = l }
}

// New creates a chat room.
func New(opts ...Option) *Room {
	r := &Room{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authorize admits clients whose registerData holds a name no online client
// uses. Only the name is kept and revealed to others.
func (r *Room) Authorize(ctx context.Context, tx socket.Tx, reg *socket.Registration) (bool, string) {
	name := nameOf(reg.Data)
	if name == "" {
		return false, ReasonNameRequired
	}
	for _, c := range tx.Online() {
		if strings.EqualFold(nameOf(c.RegisterData), name) {
			r.log.InfoContext(ctx, "chat.name.taken", slog.String("name", name))
			return false, ReasonNameInUse
		}
	}
	reg.Data = map[string]any{"name": name}
	return true, ""
}

// OnMessage routes a message. A message object whose "to" names a client is
// sent to that client and back to the sender; anything else is broadcast.
func (r *Room) OnMessage(ctx context.Context, tx socket.Tx, sender string, message any) error {
	m, ok := message.(map[string]any)
	if !ok {
		return tx.Send(message, "")
	}
	to, _ := m["to"].(string)
	if to == "" {
		return tx.Send(message, "")
	}
	if err := tx.Send(message, to); err != nil {
		return err
	}
	if to == sender {
		return nil
	}
	r.log.DebugContext(ctx, "chat.message.private", slog.String("to", logctx.ShortHash(to)))
	return tx.Send(message, sender)
}

func nameOf(data any) string {
	m, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	name, _ := m["name"].(string)
	return strings.TrimSpace(name)
}
