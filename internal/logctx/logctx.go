package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request and client data carried by the
// record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if cd, ok := ctx.Value(clientDataKey{}).(*ClientData); ok {
		r.AddAttrs(slog.Group("client",
			slog.String("hash", ShortHash(cd.Hash)),
			slog.String("action", cd.Action),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// ShortHash truncates a client hash for logging. Hashes are bearer tokens.
func ShortHash(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type clientDataKey struct{}

type ClientData struct {
	Hash   string
	Action string
}

func WithClientData(ctx context.Context, data *ClientData) context.Context {
	return context.WithValue(ctx, clientDataKey{}, data)
}
