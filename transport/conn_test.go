package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/agentmux/internal/ndjson"
)

// pipeStream is an in-memory LineStream backed by io.Pipe.
type pipeStream struct {
	reader *ndjson.Reader
	writer *ndjson.Writer
	closes []io.Closer
}

func (s *pipeStream) ReadLine() ([]byte, error)    { return s.reader.ReadLine() }
func (s *pipeStream) WriteLine(line []byte) error  { return s.writer.WriteRaw(line) }
func (s *pipeStream) Close() error {
	for _, c := range s.closes {
		c.Close()
	}
	return nil
}

// fakePeer is the far side of a Conn under test.
type fakePeer struct {
	reader *ndjson.Reader
	writer *ndjson.Writer
	close  func()
}

func newConnPair(t *testing.T) (*Conn, *fakePeer) {
	t.Helper()

	toConnR, toConnW := io.Pipe()
	fromConnR, fromConnW := io.Pipe()

	stream := &pipeStream{
		reader: ndjson.NewReader(toConnR),
		writer: ndjson.NewWriter(fromConnW),
		closes: []io.Closer{toConnR, fromConnW},
	}
	conn := NewConn(stream, NewJSONRPCFramer())
	require.NoError(t, conn.Start())
	t.Cleanup(conn.Close)

	peer := &fakePeer{
		reader: ndjson.NewReader(fromConnR),
		writer: ndjson.NewWriter(toConnW),
		close:  func() { toConnW.Close() },
	}
	return conn, peer
}

func (p *fakePeer) readRequest(t *testing.T) jsonrpcRequest {
	t.Helper()
	line, err := p.reader.ReadLine()
	require.NoError(t, err)
	var req jsonrpcRequest
	require.NoError(t, json.Unmarshal(line, &req))
	return req
}

func TestConnRequestResponse(t *testing.T) {
	conn, peer := newConnPair(t)

	go func() {
		req := peer.readRequest(t)
		_ = peer.writer.WriteJSON(jsonrpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`{"ok":true}`),
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := conn.SendRequest(ctx, "initialize", map[string]string{"v": "1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}

func TestConnRequestWireError(t *testing.T) {
	conn, peer := newConnPair(t)

	go func() {
		req := peer.readRequest(t)
		_ = peer.writer.WriteJSON(jsonrpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &jsonrpcError{Code: ErrCodeMethodNotFound, Message: "no such method"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := conn.SendRequest(ctx, "bogus", nil)
	require.Error(t, err)

	var we *WireError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, ErrCodeMethodNotFound, we.Code)
}

func TestConnRequestTimeout(t *testing.T) {
	conn, peer := newConnPair(t)

	// Consume the request but never answer it.
	go func() { peer.readRequest(t) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.SendRequest(ctx, "slow", nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestConnLateResponseDropped(t *testing.T) {
	conn, peer := newConnPair(t)

	reqCh := make(chan jsonrpcRequest, 1)
	go func() { reqCh <- peer.readRequest(t) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.SendRequest(ctx, "slow", nil)
	require.True(t, IsTimeout(err))

	// The late answer must not disturb the next request.
	req := <-reqCh
	_ = peer.writer.WriteJSON(jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`1`)})

	go func() {
		req := peer.readRequest(t)
		_ = peer.writer.WriteJSON(jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`2`)})
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	resp, err := conn.SendRequest(ctx2, "next", nil)
	require.NoError(t, err)
	assert.Equal(t, "2", string(resp.Result))
}

func TestConnNotificationStream(t *testing.T) {
	conn, peer := newConnPair(t)

	require.NoError(t, peer.writer.WriteJSON(jsonrpcNotification{
		JSONRPC: "2.0",
		Method:  "session/update",
		Params:  json.RawMessage(`{"n":1}`),
	}))
	require.NoError(t, peer.writer.WriteJSON(jsonrpcNotification{
		JSONRPC: "2.0",
		Method:  "session/update",
		Params:  json.RawMessage(`{"n":2}`),
	}))

	first := <-conn.Notifications()
	second := <-conn.Notifications()
	assert.Equal(t, "session/update", first.Method)
	assert.JSONEq(t, `{"n":1}`, string(first.Params))
	assert.JSONEq(t, `{"n":2}`, string(second.Params))
}

func TestConnServerRequestRoundTrip(t *testing.T) {
	conn, peer := newConnPair(t)

	require.NoError(t, peer.writer.WriteJSON(jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      42,
		Method:  "session/request_permission",
		Params:  json.RawMessage(`{"tool":"Bash"}`),
	}))

	inb := <-conn.ServerRequests()
	assert.Equal(t, InboundServerRequest, inb.Kind)
	assert.Equal(t, "42", inb.ID)
	assert.Equal(t, "session/request_permission", inb.Method)

	// SendResponse blocks on the unbuffered pipe until the peer reads.
	sendErr := make(chan error, 1)
	go func() { sendErr <- conn.SendResponse(inb.ID, map[string]string{"outcome": "selected"}) }()

	line, err := peer.reader.ReadLine()
	require.NoError(t, <-sendErr)
	require.NoError(t, err)
	var resp jsonrpcResponse
	require.NoError(t, json.Unmarshal(line, &resp))
	assert.Equal(t, int64(42), resp.ID)
	assert.JSONEq(t, `{"outcome":"selected"}`, string(resp.Result))
}

func TestConnMalformedLineSkipped(t *testing.T) {
	conn, peer := newConnPair(t)

	require.NoError(t, peer.writer.WriteRaw([]byte(`{not json`)))
	require.NoError(t, peer.writer.WriteJSON(jsonrpcNotification{
		JSONRPC: "2.0",
		Method:  "still/alive",
	}))

	inb := <-conn.Notifications()
	assert.Equal(t, "still/alive", inb.Method)
}

func TestConnPeerExitFailsPending(t *testing.T) {
	conn, peer := newConnPair(t)

	go func() {
		peer.readRequest(t)
		peer.close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := conn.SendRequest(ctx, "doomed", nil)
	require.Error(t, err)
	assert.True(t, IsProcessExited(err))

	// Both streams end after exit.
	_, open := <-conn.Notifications()
	assert.False(t, open)
	_, open = <-conn.ServerRequests()
	assert.False(t, open)
}

func TestConnSendAfterExit(t *testing.T) {
	conn, peer := newConnPair(t)

	peer.close()
	// Wait for the read loop to observe EOF.
	<-conn.Notifications()

	ctx := context.Background()
	_, err := conn.SendRequest(ctx, "late", nil)
	require.Error(t, err)
	assert.True(t, IsProcessExited(err))
}
