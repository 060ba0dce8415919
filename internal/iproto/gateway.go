package iproto

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsRequest is one browser-origin request, JSON-over-WebSocket instead
// of msgpack-over-TCP, but carrying the same fields as Body.
type wsRequest struct {
	Type     string        `json:"type"`
	Sync     uint64        `json:"sync"`
	SpaceID  uint32        `json:"space_id"`
	IndexID  uint32        `json:"index_id"`
	Limit    uint32        `json:"limit"`
	Offset   uint32        `json:"offset"`
	Iterator string        `json:"iterator"`
	Key      []interface{} `json:"key"`
	Tuple    []interface{} `json:"tuple"`
	Ops      []interface{} `json:"ops"`
	UserName string        `json:"user_name"`
	Password string        `json:"password"`
}

type wsReply struct {
	Sync  uint64        `json:"sync"`
	Error string        `json:"error,omitempty"`
	Data  []interface{} `json:"data,omitempty"`
}

var wsRequestTypes = map[string]RequestType{
	"select":  TypeSelect,
	"insert":  TypeInsert,
	"replace": TypeReplace,
	"update":  TypeUpdate,
	"delete":  TypeDelete,
	"upsert":  TypeUpsert,
	"auth":    TypeAuth,
	"ping":    TypePing,
}

// Gateway bridges browser clients speaking JSON-over-WebSocket onto
// the same Router handler table raw IPROTO connections use: an
// upgrader plus a per-client loop, narrowed from a fan-out broadcast
// hub to a synchronous request/reply bridge. A browser tab issues one
// query at a time, so each socket supplies its own back-pressure and
// never needs to join the TCP side's shared ring (see DESIGN.md).
type Gateway struct {
	log      *slog.Logger
	router   Router
	upgrader websocket.Upgrader
}

// NewGateway builds a bridge dispatching through router's handler
// table - typically the same *Server a TCP listener also uses.
func NewGateway(log *slog.Logger, router Router) *Gateway {
	return &Gateway{
		log:    log.With("component", "iproto-gateway"),
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs its request/reply loop
// until the client disconnects or a frame fails to parse.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	session := NewSession()
	for {
		var raw wsRequest
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}
		reply := g.dispatch(r.Context(), session, raw)
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

// dispatch resolves and runs one request inline - no queue, since a
// single browser socket never produces enough concurrent load to need
// the TCP side's ring and worker pool.
func (g *Gateway) dispatch(ctx context.Context, session *Session, raw wsRequest) wsReply {
	t, ok := wsRequestTypes[raw.Type]
	if !ok {
		return wsReply{Sync: raw.Sync, Error: fmt.Sprintf("unknown request type %q", raw.Type)}
	}
	handler, ok := g.router.Handler(t)
	if !ok {
		return wsReply{Sync: raw.Sync, Error: fmt.Sprintf("request type %s not handled", t)}
	}

	req := &Request{
		Header: Header{Type: t, Sync: raw.Sync},
		Body: Body{
			SpaceID:  raw.SpaceID,
			IndexID:  raw.IndexID,
			Limit:    raw.Limit,
			Offset:   raw.Offset,
			Iterator: raw.Iterator,
			Key:      raw.Key,
			Tuple:    raw.Tuple,
			Ops:      raw.Ops,
			UserName: raw.UserName,
			Password: []byte(raw.Password),
		},
		Session: session,
		Process: handler,
	}

	result, err := req.Process(ctx, req)
	if err != nil {
		code, msg := errorCodeAndMessage(err)
		return wsReply{Sync: raw.Sync, Error: fmt.Sprintf("[%d] %s", code, msg)}
	}
	var data []interface{}
	if result != nil {
		data = result.Data
	}
	return wsReply{Sync: raw.Sync, Data: data}
}
