package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/agentmux/agentwire"
	"github.com/coderelay/agentmux/backend"
	"github.com/coderelay/agentmux/internal/ndjson"
	"github.com/coderelay/agentmux/transport"
)

// fakeServer scripts the far side of the JSON-RPC stream.
type fakeServer struct {
	reader *ndjson.Reader
	writer *ndjson.Writer
	closer io.Closer
}

func (s *fakeServer) readLine(t *testing.T) map[string]interface{} {
	t.Helper()
	line, err := s.reader.ReadLine()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &m))
	return m
}

func (s *fakeServer) write(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, s.writer.WriteJSON(v))
}

func (s *fakeServer) respond(t *testing.T, id interface{}, result interface{}) {
	t.Helper()
	s.write(t, map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *fakeServer) notify(t *testing.T, method string, params interface{}) {
	t.Helper()
	s.write(t, map[string]interface{}{"jsonrpc": "2.0", "method": method, "params": params})
}

func (s *fakeServer) request(t *testing.T, id int64, method string, params interface{}) {
	t.Helper()
	s.write(t, map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
}

type adapterStream struct {
	reader *ndjson.Reader
	writer *ndjson.Writer
	closes []io.Closer
}

func (s *adapterStream) ReadLine() ([]byte, error)   { return s.reader.ReadLine() }
func (s *adapterStream) WriteLine(line []byte) error { return s.writer.WriteRaw(line) }
func (s *adapterStream) Close() error {
	for _, c := range s.closes {
		c.Close()
	}
	return nil
}

// startAdapter wires an adapter to a fake server and completes the
// initialize + thread/start handshake.
func startAdapter(t *testing.T, opts ...backend.Option) (*Adapter, *fakeServer, *backend.Capabilities) {
	t.Helper()

	toAdapterR, toAdapterW := io.Pipe()
	fromAdapterR, fromAdapterW := io.Pipe()

	stream := &adapterStream{
		reader: ndjson.NewReader(toAdapterR),
		writer: ndjson.NewWriter(fromAdapterW),
		closes: []io.Closer{toAdapterR, fromAdapterW},
	}
	srv := &fakeServer{
		reader: ndjson.NewReader(fromAdapterR),
		writer: ndjson.NewWriter(toAdapterW),
		closer: toAdapterW,
	}

	a := New(backend.NewConfig(opts...), withStream(stream))
	t.Cleanup(func() { a.Stop() })

	type startResult struct {
		caps *backend.Capabilities
		err  error
	}
	done := make(chan startResult, 1)
	go func() {
		caps, err := a.Start(context.Background())
		done <- startResult{caps, err}
	}()

	init := srv.readLine(t)
	assert.Equal(t, MethodInitialize, init["method"])
	srv.respond(t, init["id"], map[string]interface{}{
		"userAgent": "appserver/3.1.0",
		"models":    []string{"gpt-5-codex", "gpt-5"},
	})

	ready := srv.readLine(t)
	assert.Equal(t, NotifyInitialized, ready["method"])

	threadReq := srv.readLine(t)
	srv.respond(t, threadReq["id"], map[string]interface{}{
		"threadId": "thread-1",
		"model":    "gpt-5-codex",
	})

	res := <-done
	require.NoError(t, res.err)
	return a, srv, res.caps
}

func nextEvent(t *testing.T, a *Adapter) agentwire.Event {
	t.Helper()
	select {
	case evt, ok := <-a.Events():
		require.True(t, ok, "event stream closed")
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return agentwire.Event{}
	}
}

func nextEventOfKind(t *testing.T, a *Adapter, kind agentwire.EventKind) agentwire.Event {
	t.Helper()
	for {
		evt := nextEvent(t, a)
		if evt.Kind == kind {
			return evt
		}
	}
}

func TestAdapterHandshake(t *testing.T) {
	a, _, caps := startAdapter(t)

	assert.Equal(t, "thread-1", caps.NativeSessionID)
	assert.Equal(t, "gpt-5-codex", caps.Model)
	assert.Equal(t, []string{"gpt-5-codex", "gpt-5"}, caps.Models)
	assert.Equal(t, "appserver/3.1.0", caps.Version)
	assert.True(t, caps.CanSetModel)
	assert.False(t, caps.CanSetPermissionMode)

	evt := nextEvent(t, a)
	require.Equal(t, agentwire.EventSessionInit, evt.Kind)
	init := evt.Payload.(agentwire.SessionInitPayload)
	assert.Equal(t, "thread-1", init.NativeSessionID)
}

func TestAdapterHandshakeResume(t *testing.T) {
	toAdapterR, toAdapterW := io.Pipe()
	fromAdapterR, fromAdapterW := io.Pipe()
	stream := &adapterStream{
		reader: ndjson.NewReader(toAdapterR),
		writer: ndjson.NewWriter(fromAdapterW),
		closes: []io.Closer{toAdapterR, fromAdapterW},
	}
	srv := &fakeServer{
		reader: ndjson.NewReader(fromAdapterR),
		writer: ndjson.NewWriter(toAdapterW),
		closer: toAdapterW,
	}

	cfg := backend.NewConfig(backend.WithSessionOptions(agentwire.SessionOptions{Resume: "thread-old"}))
	a := New(cfg, withStream(stream))
	t.Cleanup(func() { a.Stop() })

	done := make(chan error, 1)
	go func() {
		_, err := a.Start(context.Background())
		done <- err
	}()

	init := srv.readLine(t)
	srv.respond(t, init["id"], map[string]interface{}{"userAgent": "appserver/3.1.0"})
	srv.readLine(t) // initialized

	resume := srv.readLine(t)
	assert.Equal(t, MethodThreadResume, resume["method"])
	params := resume["params"].(map[string]interface{})
	assert.Equal(t, "thread-old", params["threadId"])
	srv.respond(t, resume["id"], map[string]interface{}{"threadId": "thread-old"})

	require.NoError(t, <-done)
}

func TestAdapterTurnRoundTrip(t *testing.T) {
	a, srv, _ := startAdapter(t)
	nextEventOfKind(t, a, agentwire.EventSessionInit)

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- a.Send(context.Background(), agentwire.SendMessage{Text: "list files"})
	}()

	turn := srv.readLine(t)
	assert.Equal(t, MethodTurnStart, turn["method"])
	params := turn["params"].(map[string]interface{})
	assert.Equal(t, "thread-1", params["threadId"])
	input := params["input"].([]interface{})
	require.Len(t, input, 1)
	assert.Equal(t, "list files", input[0].(map[string]interface{})["text"])
	srv.respond(t, turn["id"], map[string]interface{}{})
	require.NoError(t, <-sendDone)

	srv.notify(t, NotifyAgentMessageDelta, map[string]interface{}{
		"threadId": "thread-1", "turnId": "turn-1", "itemId": "item-1", "delta": "Sure",
	})
	srv.notify(t, NotifyCommandBegin, map[string]interface{}{
		"threadId": "thread-1", "itemId": "call-1", "command": "ls", "cwd": "/work",
	})
	srv.notify(t, NotifyCommandEnd, map[string]interface{}{
		"threadId": "thread-1", "itemId": "call-1", "stdout": "file.txt\n", "exitCode": 0,
	})
	srv.notify(t, NotifyTokenUsage, map[string]interface{}{
		"threadId": "thread-1",
		"usage": map[string]interface{}{
			"inputTokens": 200, "cachedInputTokens": 50,
			"outputTokens": 80, "reasoningOutputTokens": 20, "totalTokens": 300,
		},
	})
	srv.notify(t, NotifyTurnCompleted, map[string]interface{}{
		"threadId": "thread-1",
		"turn":     map[string]interface{}{"id": "turn-1", "status": "completed"},
	})

	delta := nextEvent(t, a)
	require.Equal(t, agentwire.EventStreamDelta, delta.Kind)
	assert.Equal(t, "Sure", delta.Payload.(agentwire.StreamDeltaPayload).Text)

	inv := nextEvent(t, a)
	require.Equal(t, agentwire.EventToolInvocation, inv.Kind)
	invP := inv.Payload.(agentwire.ToolInvocationPayload)
	assert.Equal(t, "call-1", invP.ToolUseID)
	assert.Equal(t, "Bash", invP.Name)
	assert.Equal(t, agentwire.ToolKindExecute, invP.ToolKind)
	assert.Equal(t, "ls", invP.Input["command"])

	comp := nextEvent(t, a)
	require.Equal(t, agentwire.EventToolCompletion, comp.Kind)
	assert.Equal(t, agentwire.ToolStatusCompleted, comp.Payload.(agentwire.ToolCompletionPayload).Status)

	turnEvt := nextEvent(t, a)
	require.Equal(t, agentwire.EventTurnComplete, turnEvt.Kind)
	turnP := turnEvt.Payload.(agentwire.TurnCompletePayload)
	assert.True(t, turnP.Success)
	assert.Equal(t, int64(200), turnP.Usage.InputTokens)
	assert.Equal(t, int64(100), turnP.Usage.OutputTokens)
	assert.Equal(t, int64(50), turnP.Usage.CacheReadTokens)
}

func TestAdapterFailedCommand(t *testing.T) {
	a, srv, _ := startAdapter(t)
	nextEventOfKind(t, a, agentwire.EventSessionInit)

	srv.notify(t, NotifyCommandEnd, map[string]interface{}{
		"threadId": "thread-1", "itemId": "call-2", "stderr": "no such file", "exitCode": 1,
	})

	comp := nextEvent(t, a)
	require.Equal(t, agentwire.EventToolCompletion, comp.Kind)
	assert.Equal(t, agentwire.ToolStatusFailed, comp.Payload.(agentwire.ToolCompletionPayload).Status)
}

func TestAdapterApprovalAcceptDeclineCancel(t *testing.T) {
	tests := []struct {
		name     string
		resp     agentwire.PermissionResponse
		decision string
	}{
		{"allow maps to accept", agentwire.PermissionResponse{Allowed: true}, DecisionAccept},
		{"deny maps to decline", agentwire.PermissionResponse{Allowed: false}, DecisionDecline},
		{"deny with interrupt maps to cancel", agentwire.PermissionResponse{Allowed: false, Interrupt: true}, DecisionCancel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, srv, _ := startAdapter(t)

			srv.request(t, 77, RequestCommandApproval, map[string]interface{}{
				"threadId": "thread-1", "itemId": "call-9",
				"command": "rm -rf build", "reason": "workspace write",
			})

			evt := nextEventOfKind(t, a, agentwire.EventPermissionRequest)
			perm := evt.Payload.(agentwire.PermissionRequestPayload)
			assert.Equal(t, "Bash", perm.ToolName)
			assert.Equal(t, "workspace write", perm.Reason)
			assert.Nil(t, perm.BlockedPath)
			assert.Empty(t, perm.Suggestions)

			tt.resp.RequestID = perm.RequestID
			// Send blocks on the unbuffered pipe until the server reads.
			sendErr := make(chan error, 1)
			go func() { sendErr <- a.Send(context.Background(), tt.resp) }()

			reply := srv.readLine(t)
			require.NoError(t, <-sendErr)
			assert.Equal(t, float64(77), reply["id"])
			result := reply["result"].(map[string]interface{})
			assert.Equal(t, tt.decision, result["decision"])
		})
	}
}

func TestAdapterApprovalAvailableActionsPassthrough(t *testing.T) {
	a, srv, _ := startAdapter(t)

	srv.request(t, 78, RequestCommandApproval, map[string]interface{}{
		"threadId": "thread-1", "itemId": "call-10", "command": "make install",
		"availableActions": []map[string]interface{}{
			{"decision": "accept", "label": "Run it"},
			{"decision": "decline"},
		},
	})

	evt := nextEventOfKind(t, a, agentwire.EventPermissionRequest)
	require.NotNil(t, evt.Ext)
	actions := evt.Ext["availableActions"].([]interface{})
	require.Len(t, actions, 2)
	first := actions[0].(map[string]interface{})
	assert.Equal(t, "accept", first["decision"])
	assert.Equal(t, "Run it", first["label"])
}

func TestAdapterPatchApproval(t *testing.T) {
	a, srv, _ := startAdapter(t)

	srv.request(t, 79, RequestPatchApproval, map[string]interface{}{
		"threadId": "thread-1", "itemId": "patch-1",
		"changes": map[string]interface{}{"main.go": "update"},
	})

	evt := nextEventOfKind(t, a, agentwire.EventPermissionRequest)
	perm := evt.Payload.(agentwire.PermissionRequestPayload)
	assert.Equal(t, "ApplyPatch", perm.ToolName)
	assert.Equal(t, agentwire.ToolKindEdit, perm.ToolKind)
}

func TestAdapterApprovalUnknownRequest(t *testing.T) {
	a, _, _ := startAdapter(t)

	err := a.Send(context.Background(), agentwire.PermissionResponse{RequestID: "ghost", Allowed: true})
	var te *backend.TranslationError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, backend.KindAppServer, te.Backend)
}

func TestAdapterInterruptedTurn(t *testing.T) {
	a, srv, _ := startAdapter(t)
	nextEventOfKind(t, a, agentwire.EventSessionInit)

	intDone := make(chan error, 1)
	go func() { intDone <- a.Interrupt(context.Background()) }()

	req := srv.readLine(t)
	assert.Equal(t, MethodTurnInterrupt, req["method"])
	srv.respond(t, req["id"], map[string]interface{}{})
	require.NoError(t, <-intDone)

	srv.notify(t, NotifyTurnCompleted, map[string]interface{}{
		"threadId": "thread-1",
		"turn":     map[string]interface{}{"id": "turn-2", "status": "interrupted"},
	})

	turn := nextEvent(t, a)
	require.Equal(t, agentwire.EventTurnComplete, turn.Kind)
	assert.False(t, turn.Payload.(agentwire.TurnCompletePayload).Success)

	status := nextEvent(t, a)
	require.Equal(t, agentwire.EventSessionStatus, status.Kind)
	assert.Equal(t, agentwire.StatusInterrupted, status.Payload.(agentwire.SessionStatusPayload).Status)
}

func TestAdapterSetModelAppliesNextTurn(t *testing.T) {
	a, srv, _ := startAdapter(t)
	nextEventOfKind(t, a, agentwire.EventSessionInit)

	require.NoError(t, a.Send(context.Background(), agentwire.SetModel{Model: "gpt-5"}))

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- a.Send(context.Background(), agentwire.SendMessage{Text: "hi"})
	}()

	turn := srv.readLine(t)
	params := turn["params"].(map[string]interface{})
	assert.Equal(t, "gpt-5", params["model"])
	srv.respond(t, turn["id"], map[string]interface{}{})
	require.NoError(t, <-sendDone)
}

func TestAdapterSetPermissionModeUnsupported(t *testing.T) {
	a, _, _ := startAdapter(t)

	err := a.Send(context.Background(), agentwire.SetPermissionMode{Mode: "acceptEdits"})
	assert.ErrorIs(t, err, backend.ErrUnsupportedCommand)
}

func TestAdapterThreadErrorAndUnknownNotification(t *testing.T) {
	a, srv, _ := startAdapter(t)
	nextEventOfKind(t, a, agentwire.EventSessionInit)

	srv.notify(t, NotifyThreadError, map[string]interface{}{
		"threadId": "thread-1",
		"error":    map[string]interface{}{"message": "model overloaded"},
	})
	srv.notify(t, "telemetry/report", map[string]interface{}{"data": 1})

	errEvt := nextEvent(t, a)
	require.Equal(t, agentwire.EventError, errEvt.Kind)
	assert.Equal(t, "model overloaded", errEvt.Payload.(agentwire.ErrorPayload).Message)

	unk := nextEvent(t, a)
	assert.Equal(t, agentwire.EventUnclassified, unk.Kind)
}

func TestAdapterProcessExit(t *testing.T) {
	a, srv, _ := startAdapter(t)
	nextEventOfKind(t, a, agentwire.EventSessionInit)

	require.NoError(t, srv.closer.Close())

	evt := nextEventOfKind(t, a, agentwire.EventSessionStatus)
	assert.Equal(t, agentwire.StatusError, evt.Payload.(agentwire.SessionStatusPayload).Status)

	_, open := <-a.Events()
	assert.False(t, open)

	err := a.Send(context.Background(), agentwire.SendMessage{Text: "late"})
	require.Error(t, err)
	assert.True(t, transport.IsProcessExited(err))
}
