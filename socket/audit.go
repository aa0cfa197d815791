package socket

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/fakesocket-go/internal/eventlog"
	"github.com/ggoodman/fakesocket-go/protocol"
)

// AuditEntry is one terminal response recorded in the logs collection.
type AuditEntry struct {
	ID        int64              `json:"id"`
	Action    string             `json:"action"`
	Hash      string             `json:"hash"`
	Status    protocol.Status    `json:"status"`
	Title     string             `json:"title,omitempty"`
	Request   map[string]any     `json:"request"`
	Response  *protocol.Response `json:"response"`
	LoggedAt  int64              `json:"loggedAt"`
	LiveUntil int64              `json:"liveUntil"`
}

// audit appends the request's outcome to the logs collection. It runs after
// every other lock is released; failures are logged and never surface.
func (s *Socket) audit(ctx context.Context, body map[string]any, req protocol.Request, hash string, resp *protocol.Response, evict bool) {
	if s.auditRetention <= 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	col, err := s.store.Open(ctx, s.CollectionName(CollectionLogs))
	if err != nil {
		s.log.WarnContext(ctx, "socket.audit.fail", slog.String("err", err.Error()))
		return
	}
	defer s.closeCollection(ctx, col)

	logs := eventlog.New[AuditEntry](col, s.now)
	if evict {
		if n := logs.Evict(); n > 0 {
			s.log.DebugContext(ctx, "socket.audit.evict", slog.Int("evicted", n))
		}
	}
	if hash == "" {
		hash = req.Hash
	}
	entry := AuditEntry{
		Action:   string(req.Action),
		Hash:     hash,
		Status:   resp.Status,
		Title:    resp.Title,
		Request:  body,
		Response: resp,
		LoggedAt: s.now().Unix(),
	}
	if _, err := logs.Append(entry, int64(s.auditRetention/time.Second)); err != nil {
		s.log.WarnContext(ctx, "socket.audit.fail", slog.String("err", err.Error()))
		return
	}
	if err := col.Save(ctx); err != nil {
		s.log.WarnContext(ctx, "socket.audit.fail", slog.String("err", err.Error()))
	}
}

// evictAudit drops expired audit entries and returns how many were dropped.
func (s *Socket) evictAudit(ctx context.Context) int {
	if s.auditRetention <= 0 {
		return 0
	}
	col, err := s.store.Open(ctx, s.CollectionName(CollectionLogs))
	if err != nil {
		s.log.WarnContext(ctx, "socket.audit.fail", slog.String("err", err.Error()))
		return 0
	}
	defer s.closeCollection(ctx, col)

	n := eventlog.New[AuditEntry](col, s.now).Evict()
	if err := col.Save(ctx); err != nil {
		s.log.WarnContext(ctx, "socket.audit.fail", slog.String("err", err.Error()))
		return 0
	}
	return n
}
