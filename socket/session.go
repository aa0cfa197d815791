package socket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/fakesocket-go/internal/eventlog"
	"github.com/ggoodman/fakesocket-go/internal/logctx"
	"github.com/ggoodman/fakesocket-go/internal/maintenance"
	"github.com/ggoodman/fakesocket-go/internal/registry"
	"github.com/ggoodman/fakesocket-go/protocol"
	"github.com/ggoodman/fakesocket-go/storage"
)

// session holds the collections locked for one request.
type session struct {
	s    *Socket
	opts Options

	cols []*storage.Collection

	clientsCol *storage.Collection
	presCol    *storage.Collection
	bcastCol   *storage.Collection
	gate       *storage.Collection

	clients    *registry.Registry
	presence   *eventlog.Presence
	broadcasts *eventlog.Broadcasts
}

// begin locks clients, clientsUpdates, broadcasts and mantain, in that order.
func (s *Socket) begin(ctx context.Context, opts Options) (*session, error) {
	sess := &session{s: s, opts: opts}
	open := func(name string, oo ...storage.OpenOption) (*storage.Collection, error) {
		col, err := s.store.Open(ctx, s.CollectionName(name), oo...)
		if err != nil {
			sess.end(ctx)
			return nil, err
		}
		sess.cols = append(sess.cols, col)
		return col, nil
	}

	var err error
	if sess.clientsCol, err = open(CollectionClients, storage.WithoutAutoIncrement()); err != nil {
		return nil, err
	}
	if sess.presCol, err = open(CollectionClientsUpdates); err != nil {
		return nil, err
	}
	if sess.bcastCol, err = open(CollectionBroadcasts); err != nil {
		return nil, err
	}
	if sess.gate, err = open(CollectionMaintain, storage.WithoutAutoIncrement()); err != nil {
		return nil, err
	}

	sess.clients = s.newRegistry(sess.clientsCol, opts)
	sess.presence = eventlog.New[protocol.ClientUpdate](sess.presCol, s.now)
	sess.broadcasts = s.newBroadcasts(sess.bcastCol)
	return sess, nil
}

// end releases every lock in reverse order. Unsaved changes are discarded.
func (sess *session) end(ctx context.Context) {
	for i := len(sess.cols) - 1; i >= 0; i-- {
		sess.s.closeCollection(ctx, sess.cols[i])
	}
	sess.cols = nil
}

// save persists the logs before the clients so a saved cursor never points
// past a saved log head.
func (sess *session) save(ctx context.Context) error {
	for _, col := range []*storage.Collection{sess.presCol, sess.bcastCol, sess.clientsCol} {
		if err := col.Save(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (sess *session) sweep(ctx context.Context, force bool) (maintenance.Report, bool, error) {
	sw := &maintenance.Sweeper{Frequency: sess.opts.MaintainFrequency, Now: sess.s.now}
	return sw.Run(ctx, sess.gate, maintenance.Targets{
		Clients: sess.clients,
		OnReaped: func(hash string) error {
			return sess.appendPresence(hash, protocol.PresenceDisconnect, nil)
		},
		Presence:   sess.presence,
		Broadcasts: sess.broadcasts,
	}, force)
}

func (sess *session) appendPresence(hash string, status protocol.PresenceStatus, data any) error {
	_, err := sess.presence.Append(protocol.ClientUpdate{Hash: hash, Status: status, RegisterData: data}, sess.opts.logTTL())
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrStorage, err)
	}
	return nil
}

// disconnect removes the client and records its departure if it was known.
func (sess *session) disconnect(hash string) (bool, error) {
	if !sess.clients.Remove(hash) {
		return false, nil
	}
	return true, sess.appendPresence(hash, protocol.PresenceDisconnect, nil)
}

// deliver fills a poll response and advances the client's cursors.
func (sess *session) deliver(hash string, resp *protocol.Response) error {
	keepAlive := sess.opts.KeepAliveTime
	resp.KeepAlive = &keepAlive

	msgs := sess.clients.Drain(hash)
	if !sess.opts.RevealClients {
		resp.Messages = msgs
		return nil
	}

	presenceCursor, broadcastCursor, _ := sess.clients.Cursors(hash)
	updates, err := sess.presence.Since(presenceCursor)
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrStorage, err)
	}
	bcasts, err := sess.broadcasts.Since(broadcastCursor)
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrStorage, err)
	}
	for _, b := range bcasts {
		msgs = append(msgs, b.Message)
	}

	resp.ClientsList = updates
	resp.Messages = msgs
	sess.clients.SetCursors(hash, sess.presence.Head(), sess.broadcasts.Head())
	return nil
}

func (sess *session) tx(ctx context.Context, hash string) Tx {
	return &tx{ctx: ctx, sess: sess, hash: hash}
}

// tx lives for one Authorize or OnMessage call; ctx is that call's request
// context.
type tx struct {
	ctx  context.Context
	sess *session
	hash string
}

func (t *tx) Hash() string { return t.hash }

func (t *tx) Online() []protocol.ClientUpdate { return t.sess.clients.Online() }

func (t *tx) Send(message any, receipt string) error {
	if receipt == "" {
		_, err := appendBroadcast(t.sess.broadcasts, t.hash, message, t.sess.opts.logTTL())
		return err
	}
	ok, err := t.sess.clients.Enqueue(receipt, protocol.Message{From: t.hash, Message: message, Kind: protocol.KindPrivate})
	if err != nil {
		return err
	}
	if !ok {
		t.sess.s.log.DebugContext(t.ctx, "socket.send.dropped", slog.String("receipt", logctx.ShortHash(receipt)))
	}
	return nil
}

func appendBroadcast(log *eventlog.Broadcasts, from string, message any, ttl int64) (int64, error) {
	return log.Append(eventlog.Broadcast{
		Message: protocol.Message{From: from, Message: message, Kind: protocol.KindBroadcast},
	}, ttl)
}

func (s *Socket) newRegistry(col *storage.Collection, opts Options) *registry.Registry {
	ro := []registry.Option{
		registry.WithClock(s.now),
		registry.WithLease(opts.lease()),
		registry.WithHashFunc(s.newHash),
	}
	if !opts.KeepAlive {
		ro = append(ro, registry.WithoutExpiry())
	}
	return registry.New(col, ro...)
}

func (s *Socket) newBroadcasts(col *storage.Collection) *eventlog.Broadcasts {
	return eventlog.New[eventlog.Broadcast](col, s.now)
}
