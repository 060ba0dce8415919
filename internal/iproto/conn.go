package iproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
)

// ConnState mirrors the per-connection lifecycle: handshake, then an
// alternation between reading and writing as frames arrive and
// replies drain, ending in a one-way close.
type ConnState int32

const (
	StateHandshaking ConnState = iota
	StateReading
	StateWriting
	StateClosing
	StateIdle
)

func (s ConnState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	case StateClosing:
		return "closing"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Router resolves the handler for a request type and reports the
// catalog's current schema version, so Conn's read loop can reject a
// request against a stale schema before it ever reaches a worker.
type Router interface {
	Handler(t RequestType) (Handler, bool)
	SchemaVersion() uint64
}

// outboundCap bounds how many finished reply frames a single
// connection may have buffered ahead of the socket write loop before
// ReadLoop itself blocks on sending — the connection-level analogue of
// the request queue's back-pressure.
const outboundCap = 256

// Conn is one accepted client connection: a read side decoding frames
// off the wire into *Request values pushed onto the shared queue, and
// a write side draining finished reply frames back onto the wire.
// Follows the lifecycle shape of a mutex-guarded session object with
// Touch/RecordMessage/RecordError bookkeeping, here scoped to one
// IPROTO socket rather than a long-lived tenant session (see
// DESIGN.md).
type Conn struct {
	netConn net.Conn
	log     *slog.Logger
	queue   *Queue
	router  Router

	session *Session

	mu    sync.Mutex
	state ConnState

	out     chan []byte
	closeCh chan struct{}
	once    sync.Once

	bytesRead    uint64
	bytesWritten uint64
	requestCount uint64
}

// NewConn wraps an accepted socket. The caller must call Serve to run
// its handshake, read loop and write loop.
func NewConn(netConn net.Conn, log *slog.Logger, queue *Queue, router Router) *Conn {
	return &Conn{
		netConn: netConn,
		log:     log.With("remote", netConn.RemoteAddr().String()),
		queue:   queue,
		router:  router,
		session: NewSession(),
		state:   StateHandshaking,
		out:     make(chan []byte, outboundCap),
		closeCh: make(chan struct{}),
	}
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Serve runs the connection to completion: handshake, then the read
// and write loops concurrently, until either side errors or ctx is
// canceled. It always returns after the socket is closed.
func (c *Conn) Serve(ctx context.Context) {
	defer c.close()

	if err := c.handshake(); err != nil {
		c.log.Warn("handshake failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.readLoop(ctx)
	c.requestClose()
	wg.Wait()
}

// handshake sends the 128-byte greeting and transitions to reading.
// boxd does not implement the scramble-based fast-auth the greeting
// salt exists for, but the greeting is still sent so clients
// written against the wire format's framing assumptions see the byte
// layout they expect.
func (c *Conn) handshake() error {
	salt, err := NewSalt()
	if err != nil {
		return err
	}
	greeting := BuildGreeting(salt, fmt.Sprintf("pid=%d", os.Getpid()))
	if _, err := c.netConn.Write(greeting); err != nil {
		return fmt.Errorf("iproto: write greeting: %w", err)
	}
	c.setState(StateReading)
	return nil
}

// readLoop decodes frames off the wire one at a time and pushes a
// *Request onto the shared queue for each, until the connection
// errors, is closed, or ctx is canceled. bufio.Reader is the rotating
// input iobuf: it grows its own internal buffer as needed and blocks
// on a short read rather than spinning, the natural Go substitute for
// managing fixed-size iobufs by hand.
func (c *Conn) readLoop(ctx context.Context) {
	br := bufio.NewReaderSize(c.netConn, 16*1024)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		c.setState(StateReading)
		frame, err := ReadFrame(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("read loop ending", "error", err)
			}
			return
		}
		c.bytesRead += uint64(frame.FrameLen)

		req, err := c.buildRequest(frame)
		if err != nil {
			c.enqueueWrite(mustErrorFrame(frame.Header.Sync, err))
			continue
		}
		c.requestCount++

		if req.Header.Type == TypeSubscribe || req.Header.Type == TypeJoin {
			// JOIN/SUBSCRIBE hand the connection over to synchronous
			// replication streaming. Run inline rather than
			// handing off to the queue's worker pool: the read loop
			// returns right after, and Serve tears the connection down
			// as soon as it does, which would race a queued worker's
			// reply against the connection closing.
			req.bindAndReply(ctx)
			return
		}
		c.queue.Push(ctx, req)
	}
}

// buildRequest decodes the frame body against its header's type and
// resolves the handler via the router, producing a queue-ready
// *Request, or an error to be written back immediately without ever
// touching the queue.
func (c *Conn) buildRequest(frame ParsedFrame) (*Request, error) {
	if frame.Header.schemaVersionSet && frame.Header.SchemaVersion != c.router.SchemaVersion() {
		return nil, newErr(errSchemaVersionMismatch, "client schema_version %d, server has %d", frame.Header.SchemaVersion, c.router.SchemaVersion())
	}

	body, err := DecodeBody(frame.BodyRaw, frame.Header.Type)
	if err != nil {
		return nil, err
	}

	handler, ok := c.router.Handler(frame.Header.Type)
	if !ok {
		return nil, newErr(errUnknownRequestType, "request type %s", frame.Header.Type)
	}

	return &Request{
		Header:   frame.Header,
		Body:     body,
		FrameLen: frame.FrameLen,
		Conn:     c,
		Session:  c.session,
		Process:  handler,
	}, nil
}

// enqueueWrite hands a finished reply frame to the write loop. It
// never blocks the caller beyond outboundCap: a connection whose
// client has stopped reading replies eventually blocks its own
// workers here rather than growing memory without bound, the
// connection-scoped half of the queue's back-pressure story.
func (c *Conn) enqueueWrite(frame []byte) {
	select {
	case c.out <- frame:
	case <-c.closeCh:
	}
}

// writeLoop drains finished frames onto the socket in arrival order.
// Go's net.Conn has no writev, so there is no batched-scatter write
// here; one frame, one Write call.
func (c *Conn) writeLoop() {
	for {
		select {
		case frame, ok := <-c.out:
			if !ok {
				return
			}
			c.setState(StateWriting)
			if _, err := c.netConn.Write(frame); err != nil {
				c.log.Debug("write loop ending", "error", err)
				c.requestClose()
				return
			}
			c.bytesWritten += uint64(len(frame))
		case <-c.closeCh:
			// Drain whatever is already buffered before giving up, so a
			// client that read its last replies right before a graceful
			// shutdown still gets them.
			for {
				select {
				case frame := <-c.out:
					c.netConn.Write(frame)
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) requestClose() {
	c.once.Do(func() {
		c.setState(StateClosing)
		close(c.closeCh)
	})
}

func (c *Conn) close() {
	c.requestClose()
	c.netConn.Close()
	c.setState(StateIdle)
}

func mustErrorFrame(syncID uint64, err error) []byte {
	code, msg := errorCodeAndMessage(err)
	frame, encErr := EncodeErrorFrame(syncID, code, msg)
	if encErr != nil {
		return nil
	}
	return frame
}
