package agentclient

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

// fakeAgent scripts the far side of the JSON-RPC stream.
type fakeAgent struct {
	reader *ndjson.Reader
	writer *ndjson.Writer
	closer io.Closer
}

func (s *fakeAgent) readLine(t *testing.T) map[string]interface{} {
	t.Helper()
	line, err := s.reader.ReadLine()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &m))
	return m
}

func (s *fakeAgent) write(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, s.writer.WriteJSON(v))
}

func (s *fakeAgent) respond(t *testing.T, id interface{}, result interface{}) {
	t.Helper()
	s.write(t, map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *fakeAgent) update(t *testing.T, sessionID string, update map[string]interface{}) {
	t.Helper()
	s.write(t, map[string]interface{}{
		"jsonrpc": "2.0", "method": MethodSessionUpdate,
		"params": map[string]interface{}{"sessionId": sessionID, "update": update},
	})
}

func (s *fakeAgent) request(t *testing.T, id int64, method string, params interface{}) {
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

func newHarness(t *testing.T, opts ...backend.Option) (*Adapter, *fakeAgent, chan *backend.Capabilities) {
	t.Helper()

	toAdapterR, toAdapterW := io.Pipe()
	fromAdapterR, fromAdapterW := io.Pipe()

	stream := &adapterStream{
		reader: ndjson.NewReader(toAdapterR),
		writer: ndjson.NewWriter(fromAdapterW),
		closes: []io.Closer{toAdapterR, fromAdapterW},
	}
	srv := &fakeAgent{
		reader: ndjson.NewReader(fromAdapterR),
		writer: ndjson.NewWriter(toAdapterW),
		closer: toAdapterW,
	}

	a := New(backend.NewConfig(opts...), withStream(stream))
	t.Cleanup(func() { a.Stop() })

	caps := make(chan *backend.Capabilities, 1)
	go func() {
		c, err := a.Start(context.Background())
		if err != nil {
			t.Error(err)
			close(caps)
			return
		}
		caps <- c
	}()
	return a, srv, caps
}

// startAdapter completes the initialize + session/new handshake.
func startAdapter(t *testing.T, opts ...backend.Option) (*Adapter, *fakeAgent, *backend.Capabilities) {
	t.Helper()
	a, srv, capsCh := newHarness(t, opts...)

	init := srv.readLine(t)
	require.Equal(t, MethodInitialize, init["method"])
	params := init["params"].(map[string]interface{})
	assert.Equal(t, float64(protocolVersion), params["protocolVersion"])
	srv.respond(t, init["id"], map[string]interface{}{
		"protocolVersion":   protocolVersion,
		"agentCapabilities": map[string]interface{}{"loadSession": true},
		"agentInfo":         map[string]interface{}{"name": "gemini", "version": "0.4.1"},
	})

	sess := srv.readLine(t)
	require.Equal(t, MethodSessionNew, sess["method"])
	srv.respond(t, sess["id"], map[string]interface{}{
		"sessionId": "sess-1",
		"modes": []map[string]interface{}{
			{"id": "default", "isCurrent": true},
			{"id": "auto_edit"},
			{"id": "yolo"},
		},
		"configOptions": []map[string]interface{}{
			{"id": "model", "value": "gemini-2.5-pro"},
		},
	})

	caps := <-capsCh
	require.NotNil(t, caps)
	return a, srv, caps
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

	assert.Equal(t, "sess-1", caps.NativeSessionID)
	assert.Equal(t, "gemini-2.5-pro", caps.Model)
	assert.Equal(t, []string{"default", "auto_edit", "yolo"}, caps.PermissionModes)
	assert.Equal(t, "gemini/0.4.1", caps.Version)
	assert.True(t, caps.CanSetModel)
	assert.True(t, caps.CanSetPermissionMode)

	evt := nextEvent(t, a)
	require.Equal(t, agentwire.EventSessionInit, evt.Kind)
	init := evt.Payload.(agentwire.SessionInitPayload)
	assert.Equal(t, "sess-1", init.NativeSessionID)
	assert.Equal(t, "default", init.PermissionMode)
}

func TestAdapterHandshakeResume(t *testing.T) {
	opts := backend.WithSessionOptions(agentwire.SessionOptions{Resume: "sess-old"})
	_, srv, capsCh := newHarness(t, opts)

	init := srv.readLine(t)
	srv.respond(t, init["id"], map[string]interface{}{
		"protocolVersion":   protocolVersion,
		"agentCapabilities": map[string]interface{}{"loadSession": true},
	})

	load := srv.readLine(t)
	require.Equal(t, MethodSessionLoad, load["method"])
	params := load["params"].(map[string]interface{})
	assert.Equal(t, "sess-old", params["sessionId"])
	srv.respond(t, load["id"], map[string]interface{}{})

	caps := <-capsCh
	require.NotNil(t, caps)
	assert.Equal(t, "sess-old", caps.NativeSessionID)
}

func TestAdapterResumeWithoutLoadSupport(t *testing.T) {
	opts := backend.WithSessionOptions(agentwire.SessionOptions{Resume: "sess-old"})
	_, srv, capsCh := newHarness(t, opts)

	init := srv.readLine(t)
	srv.respond(t, init["id"], map[string]interface{}{"protocolVersion": protocolVersion})

	sess := srv.readLine(t)
	require.Equal(t, MethodSessionNew, sess["method"])
	srv.respond(t, sess["id"], map[string]interface{}{"sessionId": "sess-fresh"})

	caps := <-capsCh
	require.NotNil(t, caps)
	assert.Equal(t, "sess-fresh", caps.NativeSessionID)
}

func TestAdapterPromptRoundTrip(t *testing.T) {
	a, srv, _ := startAdapter(t)
	nextEventOfKind(t, a, agentwire.EventSessionInit)

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- a.Send(context.Background(), agentwire.SendMessage{Text: "list files"})
	}()

	prompt := srv.readLine(t)
	require.Equal(t, MethodSessionPrompt, prompt["method"])
	params := prompt["params"].(map[string]interface{})
	assert.Equal(t, "sess-1", params["sessionId"])
	blocks := params["prompt"].([]interface{})
	require.Len(t, blocks, 1)
	assert.Equal(t, "list files", blocks[0].(map[string]interface{})["text"])

	srv.update(t, "sess-1", map[string]interface{}{
		"sessionUpdate": UpdateAgentThought,
		"content":       map[string]interface{}{"type": "text", "text": "I should list the files."},
	})
	srv.update(t, "sess-1", map[string]interface{}{
		"sessionUpdate": UpdateAgentMessage,
		"content":       map[string]interface{}{"type": "text", "text": "Sure."},
	})
	srv.update(t, "sess-1", map[string]interface{}{
		"sessionUpdate": UpdateToolCall,
		"toolCallId":    "call-1",
		"toolName":      "list_directory",
		"title":         "ListDir",
		"kind":          "search",
		"input":         map[string]interface{}{"path": "."},
	})
	srv.update(t, "sess-1", map[string]interface{}{
		"sessionUpdate": UpdateToolCallUpdate,
		"toolCallId":    "call-1",
		"status":        "completed",
		"result":        []map[string]interface{}{{"type": "text", "text": "file.txt"}},
	})
	srv.respond(t, prompt["id"], map[string]interface{}{"stopReason": StopReasonEndTurn})
	require.NoError(t, <-sendDone)

	thought := nextEvent(t, a)
	require.Equal(t, agentwire.EventStreamDelta, thought.Kind)
	assert.Equal(t, agentwire.DeltaThinking, thought.Payload.(agentwire.StreamDeltaPayload).DeltaKind)

	text := nextEvent(t, a)
	require.Equal(t, agentwire.EventStreamDelta, text.Kind)
	assert.Equal(t, "Sure.", text.Payload.(agentwire.StreamDeltaPayload).Text)

	inv := nextEvent(t, a)
	require.Equal(t, agentwire.EventToolInvocation, inv.Kind)
	invP := inv.Payload.(agentwire.ToolInvocationPayload)
	assert.Equal(t, "call-1", invP.ToolUseID)
	assert.Equal(t, "ListDir", invP.Name)
	assert.Equal(t, agentwire.ToolKindSearch, invP.ToolKind)

	comp := nextEvent(t, a)
	require.Equal(t, agentwire.EventToolCompletion, comp.Kind)
	assert.Equal(t, agentwire.ToolStatusCompleted, comp.Payload.(agentwire.ToolCompletionPayload).Status)

	turn := nextEvent(t, a)
	require.Equal(t, agentwire.EventTurnComplete, turn.Kind)
	assert.True(t, turn.Payload.(agentwire.TurnCompletePayload).Success)
}

func TestAdapterPlanUpdate(t *testing.T) {
	a, srv, _ := startAdapter(t)
	nextEventOfKind(t, a, agentwire.EventSessionInit)

	srv.update(t, "sess-1", map[string]interface{}{
		"sessionUpdate": UpdatePlan,
		"plan": map[string]interface{}{
			"entries": []map[string]interface{}{
				{"title": "Read config", "status": "completed"},
				{"title": "Apply fix", "status": "in_progress"},
				{"title": "Run tests"},
			},
		},
	})

	evt := nextEvent(t, a)
	require.Equal(t, agentwire.EventText, evt.Kind)
	text := evt.Payload.(agentwire.TextPayload)
	assert.Equal(t, agentwire.TextKindPlan, text.TextKind)
	assert.Contains(t, text.Text, "[x] Read config")
	assert.Contains(t, text.Text, "[-] Apply fix")
	assert.Contains(t, text.Text, "[ ] Run tests")
}

func TestAdapterPermissionOptions(t *testing.T) {
	options := []map[string]interface{}{
		{"optionId": "proceed_once", "name": "Allow once", "kind": "allow_once"},
		{"optionId": "proceed_always", "name": "Always allow", "kind": "allow_always"},
		{"optionId": "cancel", "name": "Reject", "kind": "reject_once"},
	}
	tests := []struct {
		name    string
		resp    agentwire.PermissionResponse
		outcome map[string]interface{}
	}{
		{
			"allow selects first allow option",
			agentwire.PermissionResponse{Allowed: true},
			map[string]interface{}{"type": "selected", "optionId": "proceed_once"},
		},
		{
			"deny selects first reject option",
			agentwire.PermissionResponse{Allowed: false},
			map[string]interface{}{"type": "selected", "optionId": "cancel"},
		},
		{
			"deny with interrupt cancels",
			agentwire.PermissionResponse{Allowed: false, Interrupt: true},
			map[string]interface{}{"type": "cancelled"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, srv, _ := startAdapter(t)

			srv.request(t, 41, MethodRequestPermission, map[string]interface{}{
				"sessionId": "sess-1",
				"toolCall": map[string]interface{}{
					"toolCallId": "call-7",
					"toolName":   "bash_command",
					"title":      "Run ls",
					"kind":       "execute",
					"input":      map[string]interface{}{"command": "ls"},
				},
				"options": options,
			})

			evt := nextEventOfKind(t, a, agentwire.EventPermissionRequest)
			perm := evt.Payload.(agentwire.PermissionRequestPayload)
			assert.Equal(t, agentwire.ToolKindExecute, perm.ToolKind)
			require.Len(t, perm.Options, 3)
			assert.Equal(t, "proceed_once", perm.Options[0].ID)
			assert.Equal(t, "allow_once", perm.Options[0].Kind)
			assert.Empty(t, perm.Suggestions)

			tt.resp.RequestID = perm.RequestID
			// Send blocks on the unbuffered pipe until the agent reads.
			sendErr := make(chan error, 1)
			go func() { sendErr <- a.Send(context.Background(), tt.resp) }()

			reply := srv.readLine(t)
			require.NoError(t, <-sendErr)
			assert.Equal(t, float64(41), reply["id"])
			result := reply["result"].(map[string]interface{})
			assert.Equal(t, tt.outcome, result["outcome"].(map[string]interface{}))
		})
	}
}

func TestAdapterPermissionNoMatchingOption(t *testing.T) {
	a, srv, _ := startAdapter(t)

	srv.request(t, 42, MethodRequestPermission, map[string]interface{}{
		"sessionId": "sess-1",
		"toolCall":  map[string]interface{}{"toolCallId": "call-8"},
		"options": []map[string]interface{}{
			{"optionId": "only-allow", "kind": "allow_once"},
		},
	})

	evt := nextEventOfKind(t, a, agentwire.EventPermissionRequest)
	perm := evt.Payload.(agentwire.PermissionRequestPayload)
	// Send blocks on the unbuffered pipe until the agent reads.
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- a.Send(context.Background(), agentwire.PermissionResponse{
			RequestID: perm.RequestID,
			Allowed:   false,
		})
	}()

	reply := srv.readLine(t)
	require.NoError(t, <-sendErr)
	outcome := reply["result"].(map[string]interface{})["outcome"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"type": "cancelled"}, outcome)
}

func TestAdapterPermissionUnknownRequest(t *testing.T) {
	a, _, _ := startAdapter(t)

	err := a.Send(context.Background(), agentwire.PermissionResponse{RequestID: "ghost", Allowed: true})
	var te *backend.TranslationError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, backend.KindAgentClient, te.Backend)
}

func TestAdapterCancelledTurn(t *testing.T) {
	a, srv, _ := startAdapter(t)
	nextEventOfKind(t, a, agentwire.EventSessionInit)

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- a.Send(context.Background(), agentwire.SendMessage{Text: "long task"})
	}()
	prompt := srv.readLine(t)

	// Interrupt blocks on the unbuffered pipe until the agent reads.
	intErr := make(chan error, 1)
	go func() { intErr <- a.Interrupt(context.Background()) }()
	cancel := srv.readLine(t)
	require.NoError(t, <-intErr)
	require.Equal(t, MethodSessionCancel, cancel["method"])
	assert.Nil(t, cancel["id"])
	assert.Equal(t, "sess-1", cancel["params"].(map[string]interface{})["sessionId"])

	srv.respond(t, prompt["id"], map[string]interface{}{"stopReason": StopReasonCancelled})
	require.NoError(t, <-sendDone)

	turn := nextEvent(t, a)
	require.Equal(t, agentwire.EventTurnComplete, turn.Kind)
	assert.False(t, turn.Payload.(agentwire.TurnCompletePayload).Success)

	status := nextEvent(t, a)
	require.Equal(t, agentwire.EventSessionStatus, status.Kind)
	assert.Equal(t, agentwire.StatusInterrupted, status.Payload.(agentwire.SessionStatusPayload).Status)
}

func TestAdapterSetModelAndMode(t *testing.T) {
	a, srv, _ := startAdapter(t)
	nextEventOfKind(t, a, agentwire.EventSessionInit)

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- a.Send(context.Background(), agentwire.SetModel{Model: "gemini-2.5-flash"})
	}()
	set := srv.readLine(t)
	require.Equal(t, MethodSetConfigOption, set["method"])
	params := set["params"].(map[string]interface{})
	assert.Equal(t, ConfigOptionModel, params["optionId"])
	assert.Equal(t, "gemini-2.5-flash", params["value"])
	srv.respond(t, set["id"], map[string]interface{}{})
	require.NoError(t, <-sendDone)

	go func() {
		sendDone <- a.Send(context.Background(), agentwire.SetPermissionMode{Mode: "yolo"})
	}()
	set = srv.readLine(t)
	require.Equal(t, MethodSetConfigOption, set["method"])
	params = set["params"].(map[string]interface{})
	assert.Equal(t, ConfigOptionMode, params["optionId"])
	assert.Equal(t, "yolo", params["value"])
	srv.respond(t, set["id"], map[string]interface{}{})
	require.NoError(t, <-sendDone)
}

func TestAdapterUnknownServerRequestRejected(t *testing.T) {
	a, srv, _ := startAdapter(t)
	nextEventOfKind(t, a, agentwire.EventSessionInit)

	srv.request(t, 55, "fs/read_text_file", map[string]interface{}{"path": "/etc/hosts"})

	reply := srv.readLine(t)
	assert.Equal(t, float64(55), reply["id"])
	rpcErr := reply["error"].(map[string]interface{})
	assert.Equal(t, float64(transport.ErrCodeMethodNotFound), rpcErr["code"])

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
}
