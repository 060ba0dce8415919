package iproto

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConnServeHandshakeThenPingThenUnknownType drives a full
// connection lifecycle over a net.Pipe: the client reads the 128-byte
// greeting, sends a PING it expects an OK reply to, then sends a
// request type the router does not recognize and expects an error
// frame rather than a dropped connection.
func TestConnServeHandshakeThenPingThenUnknownType(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	q := NewQueue(8, 2)
	router := &testRouter{handlers: map[RequestType]Handler{
		TypePing: func(ctx context.Context, req *Request) (*Body, error) { return &Body{}, nil },
	}}
	conn := NewConn(server, slog.New(slog.NewTextHandler(io.Discard, nil)), q, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		conn.Serve(ctx)
		close(done)
	}()

	greeting := make([]byte, GreetingSize)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadFull(client, greeting)
	require.NoError(t, err)

	pingFrame, err := EncodeFrame(Header{Type: TypePing, Sync: 1}, nil)
	require.NoError(t, err)
	_, err = client.Write(pingFrame)
	require.NoError(t, err)

	reply := readOneFrame(t, client)
	assert.Equal(t, TypeOK, reply.Header.Type)
	assert.Equal(t, uint64(1), reply.Header.Sync)

	unknownFrame, err := EncodeFrame(Header{Type: RequestType(9999), Sync: 2}, nil)
	require.NoError(t, err)
	_, err = client.Write(unknownFrame)
	require.NoError(t, err)

	errReply := readOneFrame(t, client)
	assert.Equal(t, TypeErrorFlag|RequestType(errUnknownRequestType), errReply.Header.Type)
	assert.Equal(t, uint64(2), errReply.Header.Sync)

	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve never returned after client closed")
	}
}

// TestConnJoinEndsReadLoop confirms a JOIN request is the last one the
// read loop accepts on a connection, since it hands the connection off
// to replication streaming.
func TestConnJoinEndsReadLoop(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	q := NewQueue(8, 2)
	router := &testRouter{handlers: map[RequestType]Handler{
		TypeJoin: func(ctx context.Context, req *Request) (*Body, error) { return &Body{}, nil },
	}}
	conn := NewConn(server, slog.New(slog.NewTextHandler(io.Discard, nil)), q, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		conn.Serve(ctx)
		close(done)
	}()

	greeting := make([]byte, GreetingSize)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadFull(client, greeting)
	require.NoError(t, err)

	joinFrame, err := EncodeFrame(Header{Type: TypeJoin, Sync: 1}, nil)
	require.NoError(t, err)
	_, err = client.Write(joinFrame)
	require.NoError(t, err)

	reply := readOneFrame(t, client)
	assert.Equal(t, uint64(1), reply.Header.Sync)

	// The read loop ran the JOIN inline and returned right after; Serve
	// tears the connection down once the write side finishes draining,
	// with no second request ever consumed.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve never returned after JOIN")
	}
}

func readOneFrame(t *testing.T, r io.Reader) ParsedFrame {
	t.Helper()
	frame, err := ReadFrame(r)
	require.NoError(t, err)
	return frame
}
