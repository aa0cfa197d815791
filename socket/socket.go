// Package socket is the long-polling engine. Each call to Handle is one
// request/response cycle evaluated against durable state: it locks the
// collections it needs, runs maintenance when due, applies the requested
// action, saves and answers with a protocol.Response.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ggoodman/fakesocket-go/internal/logctx"
	"github.com/ggoodman/fakesocket-go/internal/maintenance"
	"github.com/ggoodman/fakesocket-go/internal/registry"
	"github.com/ggoodman/fakesocket-go/protocol"
	"github.com/ggoodman/fakesocket-go/storage"
)

// Collection names, relative to the socket namespace.
const (
	CollectionClients        = "clients"
	CollectionClientsUpdates = "clientsUpdates"
	CollectionBroadcasts     = "broadcasts"
	CollectionMaintain       = "mantain"
	CollectionLogs           = "logs"
)

// DefaultNamespace prefixes collection names unless WithNamespace says
// otherwise.
const DefaultNamespace = "fakeSocket"

// Error types
var (
	ErrProtocol = protocol.ErrProtocol
	ErrRejected = protocol.ErrRejected
	ErrTimeout  = protocol.ErrTimeout
	ErrStorage  = storage.ErrStorage
)

// Socket serves the long-poll protocol for one application.
type Socket struct {
	store          *storage.Store
	app            Application
	namespace      string
	opts           atomic.Pointer[Options]
	log            *slog.Logger
	now            func() time.Time
	newHash        func() (string, error)
	auditRetention time.Duration
}

// Option configures a Socket.
type Option func(*Socket)

// WithOptions sets the initial socket options.
func WithOptions(o Options) Option {
	return func(s *Socket) { s.opts.Store(&o) }
}

// WithNamespace sets the collection name prefix.
func WithNamespace(ns string) Option {
	return func(s *Socket) { s.namespace = ns }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Socket) { s.log = l }
}

// WithClock sets the time source used for leases and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Socket) { s.now = now }
}

// WithHashFunc replaces the client hash generator.
func WithHashFunc(fn func() (string, error)) Option {
	return func(s *Socket) { s.newHash = fn }
}

// WithAuditRetention sets how long audit entries are kept. Zero disables the
// audit log.
func WithAuditRetention(d time.Duration) Option {
	return func(s *Socket) { s.auditRetention = d }
}

// New creates a Socket storing its state in store.
func New(store *storage.Store, app Application, opts ...Option) *Socket {
	s := &Socket{
		store:          store,
		app:            app,
		namespace:      DefaultNamespace,
		log:            slog.New(slog.DiscardHandler),
		now:            time.Now,
		newHash:        registry.NewHash,
		auditRetention: time.Hour,
	}
	defaults := DefaultOptions()
	s.opts.Store(&defaults)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Options returns the options in effect.
func (s *Socket) Options() Options { return *s.opts.Load() }

// SetOptions replaces the options for subsequent requests.
func (s *Socket) SetOptions(o Options) error {
	if err := o.Validate(); err != nil {
		return err
	}
	s.opts.Store(&o)
	s.log.Info("socket.options.update",
		slog.Bool("keep_alive", o.KeepAlive),
		slog.Int64("keep_alive_time", o.KeepAliveTime),
		slog.Int64("keep_alive_tolerance", o.KeepAliveTolerance),
		slog.Int64("maintain_frequency", o.MaintainFrequency),
		slog.Bool("reveal_clients", o.RevealClients),
	)
	return nil
}

// CollectionName returns the full name of one of the socket's collections.
func (s *Socket) CollectionName(c string) string {
	if s.namespace == "" {
		return c
	}
	return s.namespace + "/" + c
}

// Handle evaluates one request. It always returns a response; the error is
// non-nil only for storage failures, in which case the response is a storage
// error.
func (s *Socket) Handle(ctx context.Context, method string, body map[string]any) (*protocol.Response, error) {
	start := s.now()
	opts := s.Options()

	var (
		req  protocol.Request
		perr error
	)
	if !strings.EqualFold(method, http.MethodPost) {
		perr = fmt.Errorf("%w: method %s not allowed", ErrProtocol, method)
	} else {
		req, perr = protocol.ParseRequest(body)
	}
	ctx = logctx.WithClientData(ctx, &logctx.ClientData{Hash: req.Hash, Action: string(req.Action)})

	if perr != nil {
		s.log.InfoContext(ctx, "socket.request.invalid", slog.String("err", perr.Error()))
		resp := protocol.ProtocolError()
		s.audit(ctx, body, req, "", resp, false)
		return resp, nil
	}

	s.log.DebugContext(ctx, "socket.handle.start")
	resp, hash, swept, err := s.dispatch(ctx, opts, req)
	if err != nil {
		s.log.ErrorContext(ctx, "socket.handle.fail", slog.String("err", err.Error()))
		resp = protocol.NewError(protocol.TitleStorage, protocol.MessageStorage)
	}
	s.audit(ctx, body, req, hash, resp, swept)
	s.log.DebugContext(ctx, "socket.handle.ok",
		slog.String("status", string(resp.Status)),
		slog.Duration("elapsed", s.now().Sub(start)),
	)
	return resp, err
}

func (s *Socket) dispatch(ctx context.Context, opts Options, req protocol.Request) (*protocol.Response, string, bool, error) {
	sess, err := s.begin(ctx, opts)
	if err != nil {
		return nil, "", false, err
	}
	defer sess.end(ctx)

	report, swept, err := sess.sweep(ctx, false)
	if err != nil {
		return nil, "", false, err
	}
	if swept {
		s.logSweep(ctx, report)
	}

	var resp *protocol.Response
	hash := req.Hash
	switch req.Action {
	case protocol.ActionRegister:
		resp, err = s.register(ctx, sess, req)
	case protocol.ActionDisconnect:
		resp, err = s.disconnect(ctx, sess, req.Hash)
	case protocol.ActionPost, protocol.ActionKeepAlive:
		resp, err = s.poll(ctx, sess, req)
	}
	if err != nil {
		return nil, hash, swept, err
	}
	if req.Action == protocol.ActionRegister {
		hash = resp.Hash
	}

	if err := sess.save(ctx); err != nil {
		return nil, hash, swept, err
	}
	resp.Maintained = swept
	return resp, hash, swept, nil
}

func (s *Socket) register(ctx context.Context, sess *session, req protocol.Request) (*protocol.Response, error) {
	if !canAuthorize(s.app) {
		s.log.WarnContext(ctx, "client.register.no_handler")
		return protocol.NewError(protocol.TitleServerError, protocol.MessageNoHandler), nil
	}

	reg := &Registration{Data: req.RegisterData}
	ok, reason := s.app.Authorize(ctx, sess.tx(ctx, ""), reg)
	if !ok {
		if reason == "" {
			reason = protocol.MessageRejected
		}
		s.log.InfoContext(ctx, "client.register.reject", slog.String("reason", reason))
		return protocol.NewError(protocol.TitleReject, reason), nil
	}

	var online []protocol.ClientUpdate
	if sess.opts.RevealClients {
		online = sess.clients.Online()
	}

	hash, err := sess.clients.Register(reg.Data)
	if err != nil {
		if errors.Is(err, registry.ErrHashExhausted) {
			s.log.ErrorContext(ctx, "client.register.fail", slog.String("err", err.Error()))
			return protocol.NewError(protocol.TitleServerError, err.Error()), nil
		}
		return nil, fmt.Errorf("%w: register client: %w", ErrStorage, err)
	}
	if err := sess.appendPresence(hash, protocol.PresenceConnect, reg.Data); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "client.register.ok", slog.String("hash", logctx.ShortHash(hash)))
	keepAlive := sess.opts.KeepAliveTime
	resp := &protocol.Response{
		Status:       protocol.StatusOK,
		Hash:         hash,
		RegisterData: reg.Data,
		KeepAlive:    &keepAlive,
	}
	if len(online) > 0 {
		resp.ClientsList = online
	}
	return resp, nil
}

func (s *Socket) disconnect(ctx context.Context, sess *session, hash string) (*protocol.Response, error) {
	existed, err := sess.disconnect(hash)
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "client.disconnect", slog.Bool("existed", existed))
	return &protocol.Response{Status: protocol.StatusConnectionEnd}, nil
}

func (s *Socket) poll(ctx context.Context, sess *session, req protocol.Request) (*protocol.Response, error) {
	if !sess.clients.Live(req.Hash) {
		if _, err := sess.disconnect(req.Hash); err != nil {
			return nil, err
		}
		s.log.InfoContext(ctx, "client.timeout")
		return protocol.TimeoutError(), nil
	}

	if req.Action == protocol.ActionPost && s.app != nil {
		tx := sess.tx(ctx, req.Hash)
		for i, msg := range req.Messages {
			if err := s.app.OnMessage(ctx, tx, req.Hash, msg); err != nil {
				s.log.WarnContext(ctx, "client.message.fail", slog.Int("index", i), slog.String("err", err.Error()))
			}
		}
	}
	sess.clients.Touch(req.Hash)

	resp := &protocol.Response{Status: protocol.StatusOK}
	if err := sess.deliver(req.Hash, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Socket) logSweep(ctx context.Context, r maintenance.Report) {
	s.log.InfoContext(ctx, "maintenance.run",
		slog.Int("reaped", len(r.Reaped)),
		slog.Int("presence_evicted", r.PresenceEvicted),
		slog.Int("broadcasts_evicted", r.BroadcastsEvicted),
		slog.Int64("next_run", r.NextRun),
	)
}

// Online lists the clients online right now.
func (s *Socket) Online(ctx context.Context) ([]protocol.ClientUpdate, error) {
	col, err := s.store.Open(ctx, s.CollectionName(CollectionClients), storage.WithoutAutoIncrement())
	if err != nil {
		return nil, err
	}
	defer s.closeCollection(ctx, col)
	return s.newRegistry(col, s.Options()).Online(), nil
}

// Broadcast appends a server-originated message to the broadcast log and
// returns its id.
func (s *Socket) Broadcast(ctx context.Context, message any) (int64, error) {
	opts := s.Options()
	col, err := s.store.Open(ctx, s.CollectionName(CollectionBroadcasts))
	if err != nil {
		return 0, err
	}
	defer s.closeCollection(ctx, col)

	id, err := appendBroadcast(s.newBroadcasts(col), "", message, opts.logTTL())
	if err != nil {
		return 0, err
	}
	if err := col.Save(ctx); err != nil {
		return 0, err
	}
	s.log.InfoContext(ctx, "socket.broadcast", slog.Int64("id", id))
	return id, nil
}

// Sweep runs maintenance outside a client request. Unless force is set it
// honours the maintenance window like a request would.
func (s *Socket) Sweep(ctx context.Context, force bool) (maintenance.Report, bool, error) {
	sess, err := s.begin(ctx, s.Options())
	if err != nil {
		return maintenance.Report{}, false, err
	}
	report, swept, err := sess.sweep(ctx, force)
	if err == nil && swept {
		err = sess.save(ctx)
	}
	sess.end(ctx)
	if err != nil || !swept {
		return report, swept, err
	}

	report.AuditEvicted = s.evictAudit(ctx)
	s.logSweep(ctx, report)
	return report, true, nil
}

func (s *Socket) closeCollection(ctx context.Context, col *storage.Collection) {
	if err := col.Close(context.WithoutCancel(ctx)); err != nil {
		s.log.WarnContext(ctx, "storage.close.fail", slog.String("collection", col.Name()), slog.String("err", err.Error()))
	}
}
