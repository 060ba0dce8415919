package iproto

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRouter implements Router over a fixed table built at
// construction time, so it needs no locking even when a connection's
// read loop consults it from a different goroutine than the test.
type testRouter struct {
	handlers map[RequestType]Handler
}

func (r *testRouter) Handler(t RequestType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}
func (r *testRouter) SchemaVersion() uint64 { return 1 }

func newTestConn(t *testing.T, q *Queue, handler Handler) *Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := &testRouter{handlers: map[RequestType]Handler{TypeNop: handler}}
	return NewConn(server, log, q, router)
}

func newTestRequest(conn *Conn, syncID uint64, process Handler) *Request {
	return &Request{
		Header:  Header{Type: TypeNop, Sync: syncID},
		Conn:    conn,
		Session: NewSession(),
		Process: process,
	}
}

// TestQueuePushDrainsInOrderUnderOneWorker confirms that with a single
// worker, replies land on the connection's output channel in the same
// order the requests were pushed - there is nothing to reorder when
// only one worker ever runs.
func TestQueuePushDrainsInOrderUnderOneWorker(t *testing.T) {
	q := NewQueue(16, 1)
	handler := func(ctx context.Context, req *Request) (*Body, error) {
		return &Body{}, nil
	}
	conn := newTestConn(t, q, handler)

	for i := uint64(1); i <= 5; i++ {
		q.Push(context.Background(), newTestRequest(conn, i, handler))
	}

	for i := uint64(1); i <= 5; i++ {
		select {
		case frame := <-conn.out:
			parsed, err := ReadFrame(bytes.NewReader(frame))
			require.NoError(t, err)
			assert.Equal(t, i, parsed.Header.Sync)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for reply %d", i)
		}
	}
}

// TestQueueSlowRequestDoesNotBlockFasterOne confirms a slow handler
// does not hold up a faster request's reply when multiple workers are
// available - completion order, not arrival order.
func TestQueueSlowRequestDoesNotBlockFasterOne(t *testing.T) {
	q := NewQueue(16, 4)
	release := make(chan struct{})
	conn := newTestConn(t, q, nil)

	slow := newTestRequest(conn, 1, func(ctx context.Context, req *Request) (*Body, error) {
		<-release
		return &Body{}, nil
	})
	fast := newTestRequest(conn, 2, func(ctx context.Context, req *Request) (*Body, error) {
		return &Body{}, nil
	})

	q.Push(context.Background(), slow)
	q.Push(context.Background(), fast)

	select {
	case frame := <-conn.out:
		parsed, err := ReadFrame(bytes.NewReader(frame))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), parsed.Header.Sync, "the fast request must complete first")
	case <-time.After(time.Second):
		t.Fatal("fast request never completed")
	}

	close(release)
	select {
	case frame := <-conn.out:
		parsed, err := ReadFrame(bytes.NewReader(frame))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), parsed.Header.Sync)
	case <-time.After(time.Second):
		t.Fatal("slow request never completed")
	}
}

// TestQueueOverflowDrainsOldestInline confirms pushing past capacity
// synchronously drains the oldest request rather than blocking or
// dropping the new one.
func TestQueueOverflowDrainsOldestInline(t *testing.T) {
	block := make(chan struct{})

	q := NewQueue(2, 1)
	conn := newTestConn(t, q, nil)

	handler := func(ctx context.Context, req *Request) (*Body, error) {
		<-block
		return &Body{}, nil
	}
	fast := func(ctx context.Context, req *Request) (*Body, error) {
		return &Body{}, nil
	}

	// The single worker picks up sync=1 immediately and blocks on it,
	// draining the ring back to empty. Pushes 2 and 3 then fill the
	// capacity-2 ring; push 4 finds the ring full and evicts sync=2
	// inline before enqueuing itself. Only sync=1 blocks: the evicted
	// request runs on the pushing goroutine, so a blocking handler on it
	// would stall Push itself.
	q.Push(context.Background(), newTestRequest(conn, 1, handler))
	time.Sleep(20 * time.Millisecond)
	q.Push(context.Background(), newTestRequest(conn, 2, fast))
	q.Push(context.Background(), newTestRequest(conn, 3, fast))
	q.Push(context.Background(), newTestRequest(conn, 4, fast))

	// The overflow reply for sync=2 arrives inline, before `block` is
	// ever released, since Push's eviction path runs synchronously.
	select {
	case frame := <-conn.out:
		parsed, err := ReadFrame(bytes.NewReader(frame))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), parsed.Header.Sync)
	case <-time.After(time.Second):
		t.Fatal("overflow reply never arrived")
	}

	close(block)

	seen := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		select {
		case frame := <-conn.out:
			parsed, err := ReadFrame(bytes.NewReader(frame))
			require.NoError(t, err)
			seen[parsed.Header.Sync] = true
		case <-time.After(time.Second):
			t.Fatal("worker replies never arrived")
		}
	}
	assert.True(t, seen[1])
	assert.True(t, seen[3])
	assert.True(t, seen[4])
}

// TestQueueDepthGaugeTracksPushAndPop confirms the depth gauge is
// invoked with the ring's live size on both push and pop.
func TestQueueDepthGaugeTracksPushAndPop(t *testing.T) {
	q := NewQueue(4, 1)
	var mu sync.Mutex
	var depths []int
	q.SetDepthGauge(func(d int) {
		mu.Lock()
		depths = append(depths, d)
		mu.Unlock()
	})

	handler := func(ctx context.Context, req *Request) (*Body, error) {
		return &Body{}, nil
	}
	conn := newTestConn(t, q, handler)
	q.Push(context.Background(), newTestRequest(conn, 1, handler))

	select {
	case <-conn.out:
	case <-time.After(time.Second):
		t.Fatal("reply never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, depths)
	assert.Equal(t, 0, q.Depth())
}
