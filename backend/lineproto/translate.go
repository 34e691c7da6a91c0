package lineproto

import (
	"encoding/json"

	"github.com/coderelay/agentmux/agentwire"
)

// kindTable maps this backend's native tool names to canonical kinds.
// Lookups are case-sensitive; the mcp__ prefix is handled by the table
// itself before any entry is consulted.
var kindTable = agentwire.KindTable{
	"Bash":            agentwire.ToolKindExecute,
	"BashOutput":      agentwire.ToolKindExecute,
	"KillShell":       agentwire.ToolKindExecute,
	"Read":            agentwire.ToolKindRead,
	"NotebookRead":    agentwire.ToolKindRead,
	"Write":           agentwire.ToolKindEdit,
	"Edit":            agentwire.ToolKindEdit,
	"MultiEdit":       agentwire.ToolKindEdit,
	"NotebookEdit":    agentwire.ToolKindEdit,
	"Glob":            agentwire.ToolKindSearch,
	"Grep":            agentwire.ToolKindSearch,
	"WebSearch":       agentwire.ToolKindSearch,
	"WebFetch":        agentwire.ToolKindFetch,
	"TodoWrite":       agentwire.ToolKindMemory,
	"AskUserQuestion": agentwire.ToolKindAsk,
	"ExitPlanMode":    agentwire.ToolKindAsk,
}

// subagentToolName is the tool whose invocations spawn subagents; its
// tool-use ID doubles as the agent ID.
const subagentToolName = "Task"

// translateSystem turns a system line into events.
func (a *Adapter) translateSystem(raw json.RawMessage) []agentwire.Event {
	var msg systemMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return []agentwire.Event{a.unclassified(raw)}
	}

	switch msg.Subtype {
	case "init":
		servers := make([]string, 0, len(msg.MCPServers))
		for _, s := range msg.MCPServers {
			servers = append(servers, s.Name)
		}
		return []agentwire.Event{a.newEvent(raw, agentwire.SessionInitPayload{
			NativeSessionID: msg.SessionID,
			Model:           msg.Model,
			CWD:             msg.CWD,
			PermissionMode:  msg.PermissionMode,
			Tools:           msg.Tools,
			MCPServers:      servers,
			Version:         msg.Version,
		})}

	case "compact_boundary":
		trigger := agentwire.CompactionAuto
		if msg.CompactReason == "manual" {
			trigger = agentwire.CompactionManual
		}
		return []agentwire.Event{a.newEvent(raw, agentwire.ContextCompactionPayload{Trigger: trigger})}

	default:
		a.logger.Debug("ignoring system message", "subtype", msg.Subtype)
		return nil
	}
}

// translateAssistant turns a complete agent message into text, thinking,
// tool-invocation, and subagent events, in block order.
func (a *Adapter) translateAssistant(raw json.RawMessage) []agentwire.Event {
	var msg assistantMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return []agentwire.Event{a.unclassified(raw)}
	}

	blocks, ok := msg.Message.Content.asBlocks()
	if !ok {
		if text, ok := msg.Message.Content.asString(); ok && text != "" {
			return []agentwire.Event{a.newEvent(raw, agentwire.TextPayload{
				TextKind: agentwire.TextKindText,
				Text:     text,
			})}
		}
		return nil
	}

	var events []agentwire.Event
	for _, block := range blocks {
		switch b := block.(type) {
		case textBlock:
			events = append(events, a.newEvent(raw, agentwire.TextPayload{
				TextKind: agentwire.TextKindText,
				Text:     b.Text,
			}))
		case thinkingBlock:
			events = append(events, a.newEvent(raw, agentwire.TextPayload{
				TextKind: agentwire.TextKindThinking,
				Text:     b.Thinking,
			}))
		case toolUseBlock:
			parent := ""
			if msg.ParentToolUseID != nil {
				parent = *msg.ParentToolUseID
			}
			events = append(events, a.newEvent(raw, agentwire.ToolInvocationPayload{
				ToolUseID:       b.ID,
				Name:            b.Name,
				ToolKind:        kindTable.Lookup(b.Name),
				Input:           b.Input,
				ParentToolUseID: parent,
			}))
			if b.Name == subagentToolName {
				desc, _ := b.Input["description"].(string)
				events = append(events, a.newEvent(raw, agentwire.SubagentSpawnPayload{
					AgentID:     b.ID,
					Description: desc,
				}))
				a.markSubagent(b.ID)
			}
		}
	}
	return events
}

// translateUser turns echoed tool results into completion events.
func (a *Adapter) translateUser(raw json.RawMessage) []agentwire.Event {
	var msg userMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return []agentwire.Event{a.unclassified(raw)}
	}

	blocks, ok := msg.Message.Content.asBlocks()
	if !ok {
		if text, ok := msg.Message.Content.asString(); ok && text != "" {
			return []agentwire.Event{a.newEvent(raw, agentwire.UserInputPayload{Text: text})}
		}
		return nil
	}

	var events []agentwire.Event
	for _, block := range blocks {
		rb, ok := block.(toolResultBlock)
		if !ok {
			continue
		}
		status := agentwire.ToolStatusCompleted
		if rb.IsError != nil && *rb.IsError {
			status = agentwire.ToolStatusFailed
		}
		var result interface{}
		if len(rb.Content) > 0 {
			result = json.RawMessage(rb.Content)
		}
		events = append(events, a.newEvent(raw, agentwire.ToolCompletionPayload{
			ToolUseID: rb.ToolUseID,
			Status:    status,
			Result:    result,
		}))
		if a.isSubagent(rb.ToolUseID) {
			events = append(events, a.newEvent(raw, agentwire.SubagentCompletePayload{AgentID: rb.ToolUseID}))
		}
	}
	return events
}

// translateResult terminates the turn.
func (a *Adapter) translateResult(raw json.RawMessage) []agentwire.Event {
	var msg resultMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return []agentwire.Event{a.unclassified(raw)}
	}

	denials := make([]agentwire.PermissionDenial, 0, len(msg.PermissionDenials))
	for _, d := range msg.PermissionDenials {
		denials = append(denials, agentwire.PermissionDenial{
			ToolName:  d.ToolName,
			ToolUseID: d.ToolUseID,
			Message:   d.Message,
		})
	}

	return []agentwire.Event{a.newEvent(raw, agentwire.TurnCompletePayload{
		Success:    !msg.IsError,
		Result:     msg.Result,
		CostUSD:    msg.TotalCostUSD,
		DurationMs: msg.DurationMs,
		Usage: agentwire.TurnUsage{
			InputTokens:         msg.Usage.InputTokens,
			OutputTokens:        msg.Usage.OutputTokens,
			CacheReadTokens:     msg.Usage.CacheReadInputTokens,
			CacheCreationTokens: msg.Usage.CacheCreationInputTokens,
		},
		PermissionDenials: denials,
	})}
}

// translateStream turns streaming updates into delta events. Deltas with
// no canonical shape (message metadata updates) are dropped.
func (a *Adapter) translateStream(raw json.RawMessage) []agentwire.Event {
	var msg streamEvent
	if err := json.Unmarshal(raw, &msg); err != nil {
		return []agentwire.Event{a.unclassified(raw)}
	}
	var inner streamInner
	if err := json.Unmarshal(msg.Event, &inner); err != nil {
		return []agentwire.Event{a.unclassified(raw)}
	}

	payload := agentwire.StreamDeltaPayload{Index: inner.Index}
	switch inner.Type {
	case "message_start":
		payload.DeltaKind = agentwire.DeltaMessageStart
	case "message_stop":
		payload.DeltaKind = agentwire.DeltaMessageStop
	case "content_block_start":
		payload.DeltaKind = agentwire.DeltaBlockStart
	case "content_block_stop":
		payload.DeltaKind = agentwire.DeltaBlockStop
	case "content_block_delta":
		var delta streamDelta
		if err := json.Unmarshal(inner.Delta, &delta); err != nil {
			return []agentwire.Event{a.unclassified(raw)}
		}
		switch delta.Type {
		case "text_delta":
			payload.DeltaKind = agentwire.DeltaText
			payload.Text = delta.Text
		case "thinking_delta":
			payload.DeltaKind = agentwire.DeltaThinking
			payload.Text = delta.Thinking
		case "input_json_delta":
			payload.DeltaKind = agentwire.DeltaToolInput
			payload.Text = delta.PartialJSON
		default:
			a.logger.Debug("ignoring stream delta", "type", delta.Type)
			return nil
		}
	default:
		a.logger.Debug("ignoring stream event", "type", inner.Type)
		return nil
	}

	return []agentwire.Event{a.newEvent(raw, payload)}
}

// mapPermission canonicalizes a can_use_tool ask.
func (a *Adapter) mapPermission(requestID string, req canUseToolRequest) agentwire.PermissionRequest {
	out := agentwire.PermissionRequest{
		RequestID:   requestID,
		ToolUseID:   req.ToolUseID,
		ToolName:    req.ToolName,
		ToolKind:    kindTable.Lookup(req.ToolName),
		ToolInput:   req.Input,
		BlockedPath: req.BlockedPath,
	}
	if len(req.PermissionSuggestions) > 0 {
		var suggestions []agentwire.PermissionUpdate
		if err := json.Unmarshal(req.PermissionSuggestions, &suggestions); err == nil {
			out.Suggestions = suggestions
		} else {
			a.logger.Warn("skipping unparseable permission suggestions", "error", err)
		}
	}
	return out
}

// mapDecision shapes a canonical verdict into the wire's required form:
// allow always carries an input object, deny always carries a message.
func mapDecision(resp agentwire.PermissionResponse, originalInput map[string]interface{}) interface{} {
	if resp.Allowed {
		input := resp.UpdatedInput
		if input == nil {
			input = originalInput
		}
		if input == nil {
			input = map[string]interface{}{}
		}
		return permissionAllow{
			Behavior:           "allow",
			UpdatedInput:       input,
			UpdatedPermissions: resp.UpdatedPermissions,
		}
	}

	message := resp.Message
	if message == "" {
		message = "Permission denied"
	}
	return permissionDeny{
		Behavior:  "deny",
		Message:   message,
		Interrupt: resp.Interrupt,
	}
}

// buildContent renders canonical content blocks into the wire's content
// array form.
func buildContent(text string, blocks []agentwire.ContentBlock) interface{} {
	if len(blocks) == 0 {
		return text
	}
	out := make([]map[string]interface{}, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "image":
			out = append(out, map[string]interface{}{
				"type": "image",
				"source": map[string]interface{}{
					"type":       "base64",
					"media_type": b.MimeType,
					"data":       b.Data,
				},
			})
		default:
			out = append(out, map[string]interface{}{
				"type": "text",
				"text": b.Text,
			})
		}
	}
	return out
}
