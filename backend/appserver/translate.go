package appserver

import (
	"encoding/json"

	"github.com/coderelay/agentmux/agentwire"
)

// The app-server surfaces tools as typed items rather than named tools;
// the two item families map to fixed canonical names.
const (
	commandToolName = "Bash"
	patchToolName   = "ApplyPatch"
)

var kindTable = agentwire.KindTable{
	commandToolName: agentwire.ToolKindExecute,
	patchToolName:   agentwire.ToolKindEdit,
}

// Item types carried by item/started and item/completed.
const (
	itemTypeAgentMessage = "agentMessage"
	itemTypeReasoning    = "reasoning"
)

func (a *Adapter) translateAgentMessageDelta(raw json.RawMessage) []agentwire.Event {
	var notif agentMessageDeltaNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		a.logger.Warn("skipping malformed agent message delta", "error", err)
		return nil
	}
	return []agentwire.Event{a.newEvent(raw, agentwire.StreamDeltaPayload{
		DeltaKind: agentwire.DeltaText,
		Text:      notif.Delta,
	})}
}

func (a *Adapter) translateReasoningDelta(raw json.RawMessage) []agentwire.Event {
	var notif reasoningDeltaNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		a.logger.Warn("skipping malformed reasoning delta", "error", err)
		return nil
	}
	return []agentwire.Event{a.newEvent(raw, agentwire.StreamDeltaPayload{
		DeltaKind: agentwire.DeltaThinking,
		Text:      notif.Delta,
	})}
}

// translateItemCompleted emits the full text of a finished message item.
// Deltas for the same item have already streamed; the completed item is
// the authoritative final text.
func (a *Adapter) translateItemCompleted(raw json.RawMessage) []agentwire.Event {
	var notif itemNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		a.logger.Warn("skipping malformed item notification", "error", err)
		return nil
	}
	switch notif.Item.Type {
	case itemTypeAgentMessage:
		if notif.Item.Text == "" {
			return nil
		}
		return []agentwire.Event{a.newEvent(raw, agentwire.TextPayload{
			TextKind: agentwire.TextKindText,
			Text:     notif.Item.Text,
		})}
	case itemTypeReasoning:
		if notif.Item.Text == "" {
			return nil
		}
		return []agentwire.Event{a.newEvent(raw, agentwire.TextPayload{
			TextKind: agentwire.TextKindThinking,
			Text:     notif.Item.Text,
		})}
	default:
		a.logger.Debug("ignoring completed item", "type", notif.Item.Type)
		return nil
	}
}

func (a *Adapter) translateCommandBegin(raw json.RawMessage) []agentwire.Event {
	var notif commandBeginNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		a.logger.Warn("skipping malformed command begin", "error", err)
		return nil
	}
	input := map[string]interface{}{}
	if notif.Command != "" {
		input["command"] = notif.Command
	}
	if notif.CWD != "" {
		input["cwd"] = notif.CWD
	}
	return []agentwire.Event{a.newEvent(raw, agentwire.ToolInvocationPayload{
		ToolUseID: notif.ItemID,
		Name:      commandToolName,
		ToolKind:  kindTable.Lookup(commandToolName),
		Input:     input,
	})}
}

func (a *Adapter) translateCommandEnd(raw json.RawMessage) []agentwire.Event {
	var notif commandEndNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		a.logger.Warn("skipping malformed command end", "error", err)
		return nil
	}
	status := agentwire.ToolStatusCompleted
	if notif.ExitCode != 0 {
		status = agentwire.ToolStatusFailed
	}
	return []agentwire.Event{a.newEvent(raw, agentwire.ToolCompletionPayload{
		ToolUseID: notif.ItemID,
		Name:      commandToolName,
		Status:    status,
		Result: map[string]interface{}{
			"stdout":      notif.Stdout,
			"stderr":      notif.Stderr,
			"exit_code":   notif.ExitCode,
			"duration_ms": notif.DurationMs,
		},
	})}
}

// translateTokenUsage records the thread's cumulative usage for the next
// turn/completed notification. The usage feed and the turn feed are
// separate on this backend.
func (a *Adapter) translateTokenUsage(raw json.RawMessage) []agentwire.Event {
	var notif tokenUsageNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		a.logger.Warn("skipping malformed token usage", "error", err)
		return nil
	}
	a.mu.Lock()
	a.usage = notif.Usage
	a.mu.Unlock()
	return nil
}

func (a *Adapter) translateTurnCompleted(raw json.RawMessage) []agentwire.Event {
	var notif turnNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		a.logger.Warn("skipping malformed turn notification", "error", err)
		return nil
	}

	a.mu.Lock()
	usage := a.usage
	a.mu.Unlock()

	complete := agentwire.TurnCompletePayload{
		Success: notif.Turn.Status == TurnStatusCompleted,
		Usage: agentwire.TurnUsage{
			InputTokens:     usage.InputTokens,
			OutputTokens:    usage.OutputTokens + usage.ReasoningOutputTokens,
			CacheReadTokens: usage.CachedInputTokens,
			TotalTokens:     usage.TotalTokens,
		},
	}
	if notif.Turn.Error != nil {
		complete.Result = notif.Turn.Error.Message
	}

	events := []agentwire.Event{a.newEvent(raw, complete)}
	if notif.Turn.Status == TurnStatusInterrupted {
		events = append(events, a.newEvent(nil, agentwire.SessionStatusPayload{
			Status: agentwire.StatusInterrupted,
		}))
	}
	return events
}

func (a *Adapter) translateThreadError(raw json.RawMessage) []agentwire.Event {
	var notif threadErrorNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		a.logger.Warn("skipping malformed thread error", "error", err)
		return nil
	}
	return []agentwire.Event{a.newEvent(raw, agentwire.ErrorPayload{
		Code:    "BACKEND_ERROR",
		Message: notif.Error.Message,
	})}
}

// mapCommandApproval canonicalizes a shell approval ask. Available
// actions ride along as an event extension, never dropped.
func mapCommandApproval(requestID string, req commandApprovalRequest) agentwire.PermissionRequest {
	input := map[string]interface{}{"command": req.Command}
	if req.CWD != "" {
		input["cwd"] = req.CWD
	}
	return agentwire.PermissionRequest{
		RequestID: requestID,
		ToolUseID: req.ItemID,
		ToolName:  commandToolName,
		ToolKind:  kindTable.Lookup(commandToolName),
		ToolInput: input,
		Reason:    req.Reason,
	}
}

func mapPatchApproval(requestID string, req patchApprovalRequest) agentwire.PermissionRequest {
	input := map[string]interface{}{}
	if len(req.Changes) > 0 {
		var changes interface{}
		if err := json.Unmarshal(req.Changes, &changes); err == nil {
			input["changes"] = changes
		}
	}
	return agentwire.PermissionRequest{
		RequestID: requestID,
		ToolUseID: req.ItemID,
		ToolName:  patchToolName,
		ToolKind:  kindTable.Lookup(patchToolName),
		ToolInput: input,
		Reason:    req.Reason,
	}
}

// mapDecision folds the canonical verdict into the backend's three-way
// vocabulary: allow is accept, deny is decline, deny with interrupt is
// cancel.
func mapDecision(resp agentwire.PermissionResponse) approvalResponse {
	switch {
	case resp.Allowed:
		return approvalResponse{Decision: DecisionAccept}
	case resp.Interrupt:
		return approvalResponse{Decision: DecisionCancel}
	default:
		return approvalResponse{Decision: DecisionDecline}
	}
}

func actionsExtension(actions []availableAction) map[string]interface{} {
	if len(actions) == 0 {
		return nil
	}
	list := make([]interface{}, 0, len(actions))
	for _, act := range actions {
		entry := map[string]interface{}{"decision": act.Decision}
		if act.Label != "" {
			entry["label"] = act.Label
		}
		list = append(list, entry)
	}
	return map[string]interface{}{"availableActions": list}
}
