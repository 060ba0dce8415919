package iproto

import "context"

// Handler executes one decoded request and returns the reply body (nil
// or empty for a bodyless OK; PING returns an empty Body). An error is converted to an
// IPROTO_TYPE_ERROR reply by the worker loop; Handler itself never
// writes to the wire.
type Handler func(ctx context.Context, req *Request) (*Body, error)

// Request is one decoded IPROTO frame queued for a worker. It carries
// everything a worker needs to run Process and write a reply without
// re-touching the connection's input buffer.
type Request struct {
	Header   Header
	Body     Body
	FrameLen int // total wire bytes this request occupied, for parse_size bookkeeping

	Conn    *Conn
	Session *Session
	Process Handler
}

// bindAndReply is what a worker task runs for one dequeued request: it
// is the Go shape of the classic `pop(); bind_session(req.session);
// req.process(req);` loop — binding here means nothing more than reading
// req.Session, since a Session carries no mutable per-task state, and
// then handing the finished frame to the owning connection's output
// iobuf for the write side to flush.
func (req *Request) bindAndReply(ctx context.Context) {
	frame := req.reply(ctx)
	req.Conn.enqueueWrite(frame)
}

// reply runs req.Process, converting any error into an error frame,
// and returns the complete wire frame ready to append to the
// connection's output iobuf.
func (req *Request) reply(ctx context.Context) []byte {
	body, err := req.Process(ctx, req)
	if err != nil {
		code, msg := errorCodeAndMessage(err)
		frame, encErr := EncodeErrorFrame(req.Header.Sync, code, msg)
		if encErr != nil {
			// Encoding an error reply failed; fall back to a minimal frame
			// rather than leaving the client waiting forever on this sync.
			frame, _ = EncodeErrorFrame(req.Header.Sync, uint32(errUnknownRequestType), "internal error encoding reply")
		}
		return frame
	}
	h := Header{Type: TypeOK, Sync: req.Header.Sync}
	frame, encErr := EncodeFrame(h, body)
	if encErr != nil {
		frame, _ = EncodeErrorFrame(req.Header.Sync, uint32(errUnknownRequestType), encErr.Error())
	}
	return frame
}
