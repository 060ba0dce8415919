// Package iproto implements boxd's client-facing binary protocol: a
// msgpack-framed request/reply codec (wire.go), the per-connection
// state machine that drives it (conn.go), the shared ring-buffer
// request queue and worker pool that execute requests in order
// (queue.go), and the Server that ties a listener to a Router of
// request handlers (this file).
package iproto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ocx/boxd/internal/boxuser"
	"github.com/ocx/boxd/internal/catalog"
	"github.com/ocx/boxd/internal/errcode"
	"github.com/ocx/boxd/internal/identity"
	"github.com/ocx/boxd/internal/monitoring"
	"github.com/ocx/boxd/internal/storage"
)

// Server owns the IPROTO listener, the shared request queue and the
// domain collaborators every handler needs: the user cache for AUTH
// and access checks, the catalog for space/index resolution and
// schema_version, and the storage engine that actually executes DML.
type Server struct {
	log     *slog.Logger
	users   *boxuser.Cache
	catalog *catalog.Catalog
	engine  storage.Engine
	metrics *monitoring.Metrics
	queue   *Queue
	peers   *identity.PeerVerifier // nil when replica identity checks are disabled

	handlers map[RequestType]Handler

	mu        sync.Mutex
	listener  net.Listener
	conns     map[*Conn]struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer wires a Server against its domain collaborators. queueCap
// and maxWorkers come from config.ServerConfig (net_msg_max and
// iproto_threads * fiber_pool_size_factor respectively).
func NewServer(log *slog.Logger, users *boxuser.Cache, cat *catalog.Catalog, engine storage.Engine, metrics *monitoring.Metrics, queueCap, maxWorkers int) *Server {
	s := &Server{
		log:     log.With("component", "iproto"),
		users:   users,
		catalog: cat,
		engine:  engine,
		metrics: metrics,
		conns:   make(map[*Conn]struct{}),
		closed:  make(chan struct{}),
	}
	s.queue = NewQueue(queueCap, maxWorkers)
	if metrics != nil {
		s.queue.SetDepthGauge(func(n int) { metrics.QueueDepth.Set(float64(n)) })
	}
	s.handlers = s.buildHandlers()
	return s
}

// SetPeerVerifier wires replica identity verification for JOIN and
// SUBSCRIBE. Leaving it unset makes boxd accept any replica, matching
// config.IdentityConfig.Enabled=false.
func (s *Server) SetPeerVerifier(v *identity.PeerVerifier) {
	s.peers = v
}

// Handler satisfies Router: resolve the executor for a request type.
func (s *Server) Handler(t RequestType) (Handler, bool) {
	h, ok := s.handlers[t]
	return h, ok
}

// SchemaVersion satisfies Router.
func (s *Server) SchemaVersion() uint64 { return s.catalog.SchemaVersion() }

// ListenAndServe binds addr and accepts connections until ctx is
// canceled or Close is called, spawning one Conn per accepted socket.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("iproto: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		netConn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
				s.log.Warn("accept failed", "error", err)
				return err
			}
		}
		conn := NewConn(netConn, s.log, s.queue, s)
		s.trackConn(conn)
		if s.metrics != nil {
			s.metrics.ActiveConnections.Inc()
		}
		go func() {
			defer s.untrackConn(conn)
			defer func() {
				if s.metrics != nil {
					s.metrics.ActiveConnections.Dec()
				}
			}()
			conn.Serve(ctx)
		}()
	}
}

func (s *Server) trackConn(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops accepting new connections and requests every live
// connection to close. It does not block for their write loops to
// drain; callers that need a bounded graceful shutdown should pair
// this with a short sleep or their own wait mechanism.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.listener != nil {
			err = s.listener.Close()
		}
		conns := make([]*Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.requestClose()
		}
	})
	return err
}

// buildHandlers assembles the request type -> Handler table. Every
// handler is wrapped by timed, which records its duration and outcome
// against metrics around the actual DML/admin logic below.
func (s *Server) buildHandlers() map[RequestType]Handler {
	h := map[RequestType]Handler{
		TypePing:    s.timed(TypePing, s.handlePing),
		TypeAuth:    s.timed(TypeAuth, s.handleAuth),
		TypeNop:     s.timed(TypeNop, s.handleNop),
		TypeSelect:  s.timed(TypeSelect, s.handleSelect),
		TypeInsert:  s.timed(TypeInsert, s.handleInsert),
		TypeReplace: s.timed(TypeReplace, s.handleReplace),
		TypeUpdate:  s.timed(TypeUpdate, s.handleUpdate),
		TypeDelete:  s.timed(TypeDelete, s.handleDelete),
		TypeUpsert:  s.timed(TypeUpsert, s.handleUpsert),
		TypeJoin:    s.timed(TypeJoin, s.handleJoin),
		TypeSubscribe: s.timed(TypeSubscribe, s.handleJoin),
	}
	return h
}

// timed wraps handler so every call records RequestDuration/RequestTotal
// against t's name, regardless of outcome.
func (s *Server) timed(t RequestType, handler Handler) Handler {
	return func(ctx context.Context, req *Request) (*Body, error) {
		start := time.Now()
		body, err := handler(ctx, req)
		if s.metrics != nil {
			s.metrics.ObserveRequest(t.String(), err == nil, time.Since(start).Seconds())
		}
		return body, err
	}
}

func (s *Server) handlePing(ctx context.Context, req *Request) (*Body, error) {
	return &Body{}, nil
}

func (s *Server) handleNop(ctx context.Context, req *Request) (*Body, error) {
	return &Body{}, nil
}

// handleAuth verifies a username/password pair and rebinds the
// connection's session to the resolved principal.
func (s *Server) handleAuth(ctx context.Context, req *Request) (*Body, error) {
	u, err := s.users.FindByName(req.Body.UserName)
	if err != nil {
		return nil, err
	}
	if err := boxuser.VerifyPassword(u, req.Body.Password); err != nil {
		return nil, err
	}
	req.Session.SetUser(u)
	return &Body{}, nil
}

// handleJoin services both JOIN and SUBSCRIBE: a replica declares its
// SPIFFE identity in the request's user_name field (there is no
// dedicated wire slot for it; replication is otherwise out of scope
// here), which is checked against the configured trust domain when
// peer verification is enabled. The connection's read loop ends the
// request-response cycle right after this reply is queued — JOIN and
// SUBSCRIBE are synchronous and shut the connection down on entry —
// so this handler never needs to do any actual streaming.
func (s *Server) handleJoin(ctx context.Context, req *Request) (*Body, error) {
	if s.peers == nil {
		return &Body{}, nil
	}
	if _, err := s.peers.VerifyReplicaID(req.Body.UserName); err != nil {
		return nil, newErr(errAccessDenied, "%v", err)
	}
	return &Body{}, nil
}

// resolvePrincipal is the common prelude for every DML handler:
// re-verify the session's bound user is still valid (the Open
// Question's stale-token resolution, enforced inside CurrentUser and
// replied as ER_SESSION_CLOSED) and check the requested access bit
// against the target space.
func (s *Server) resolvePrincipal(req *Request, spaceID uint32, bit boxuser.AccessBit) (*boxuser.User, error) {
	u, err := req.Session.CurrentUser(s.users)
	if err != nil {
		if errors.Is(err, boxuser.ErrSessionClosed) {
			return nil, errcode.New(errcode.ErSessionClosed)
		}
		return nil, err
	}
	if err := s.catalog.CheckAccess(u, spaceID, bit); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Server) handleSelect(ctx context.Context, req *Request) (*Body, error) {
	b := req.Body
	if _, err := s.resolvePrincipal(req, b.SpaceID, boxuser.AccessRead); err != nil {
		return nil, err
	}
	iter := storage.Iterator(b.Iterator)
	if iter == "" {
		iter = storage.IterEq
	}
	rows, err := s.engine.Select(ctx, b.SpaceID, b.IndexID, storage.Tuple(b.Key), iter, b.Limit, b.Offset)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(rows))
	for i, row := range rows {
		out[i] = []interface{}(row)
	}
	body := DataBody(out)
	return &body, nil
}

func (s *Server) handleInsert(ctx context.Context, req *Request) (*Body, error) {
	b := req.Body
	if _, err := s.resolvePrincipal(req, b.SpaceID, boxuser.AccessWrite); err != nil {
		return nil, err
	}
	tuple, err := s.engine.Insert(ctx, b.SpaceID, storage.Tuple(b.Tuple))
	if err != nil {
		return nil, err
	}
	body := DataBody([]interface{}{[]interface{}(tuple)})
	return &body, nil
}

func (s *Server) handleReplace(ctx context.Context, req *Request) (*Body, error) {
	b := req.Body
	if _, err := s.resolvePrincipal(req, b.SpaceID, boxuser.AccessWrite); err != nil {
		return nil, err
	}
	tuple, err := s.engine.Replace(ctx, b.SpaceID, storage.Tuple(b.Tuple))
	if err != nil {
		return nil, err
	}
	body := DataBody([]interface{}{[]interface{}(tuple)})
	return &body, nil
}

func (s *Server) handleUpdate(ctx context.Context, req *Request) (*Body, error) {
	b := req.Body
	if _, err := s.resolvePrincipal(req, b.SpaceID, boxuser.AccessWrite); err != nil {
		return nil, err
	}
	ops, err := toUpdateOps(b.Ops)
	if err != nil {
		return nil, err
	}
	tuple, err := s.engine.Update(ctx, b.SpaceID, b.IndexID, storage.Tuple(b.Key), ops)
	if err != nil {
		return nil, err
	}
	body := DataBody([]interface{}{[]interface{}(tuple)})
	return &body, nil
}

func (s *Server) handleDelete(ctx context.Context, req *Request) (*Body, error) {
	b := req.Body
	if _, err := s.resolvePrincipal(req, b.SpaceID, boxuser.AccessWrite); err != nil {
		return nil, err
	}
	tuple, err := s.engine.Delete(ctx, b.SpaceID, b.IndexID, storage.Tuple(b.Key))
	if err != nil {
		return nil, err
	}
	body := DataBody([]interface{}{[]interface{}(tuple)})
	return &body, nil
}

func (s *Server) handleUpsert(ctx context.Context, req *Request) (*Body, error) {
	b := req.Body
	if _, err := s.resolvePrincipal(req, b.SpaceID, boxuser.AccessWrite); err != nil {
		return nil, err
	}
	ops, err := toUpdateOps(b.Ops)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Upsert(ctx, b.SpaceID, storage.Tuple(b.Tuple), ops); err != nil {
		return nil, err
	}
	return &Body{}, nil
}

// toUpdateOps converts the wire representation of an update/upsert
// operation list (each a 3-element []interface{}: op, field_no, value)
// into storage.UpdateOp values.
func toUpdateOps(raw []interface{}) ([]storage.UpdateOp, error) {
	ops := make([]storage.UpdateOp, 0, len(raw))
	for _, r := range raw {
		tuple, ok := r.([]interface{})
		if !ok || len(tuple) != 3 {
			return nil, newErr(errInvalidMsgpack, "update op must be a 3-element array, got %v", r)
		}
		opStr, ok := tuple[0].(string)
		if !ok {
			return nil, newErr(errInvalidMsgpack, "update op[0] must be a string, got %v", tuple[0])
		}
		fieldNo, err := toUint32(tuple[1])
		if err != nil {
			return nil, newErr(errInvalidMsgpack, "update op[1] field_no: %v", err)
		}
		ops = append(ops, storage.UpdateOp{Op: opStr, FieldNo: fieldNo, Value: tuple[2]})
	}
	return ops, nil
}

func toUint32(v interface{}) (uint32, error) {
	switch n := v.(type) {
	case uint32:
		return n, nil
	case uint64:
		return uint32(n), nil
	case int64:
		return uint32(n), nil
	case int:
		return uint32(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}
