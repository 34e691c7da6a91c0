package agentclient

import (
	"encoding/json"
	"strings"

	"github.com/coderelay/agentmux/agentwire"
)

// The agent reports a semantic tool kind on the wire; unknown values
// fall back to a name lookup.
var wireKinds = map[string]agentwire.ToolKind{
	"execute": agentwire.ToolKindExecute,
	"shell":   agentwire.ToolKindExecute,
	"read":    agentwire.ToolKindRead,
	"edit":    agentwire.ToolKindEdit,
	"delete":  agentwire.ToolKindDelete,
	"move":    agentwire.ToolKindMove,
	"search":  agentwire.ToolKindSearch,
	"fetch":   agentwire.ToolKindFetch,
	"browse":  agentwire.ToolKindBrowse,
	"think":   agentwire.ToolKindThink,
	"ask":     agentwire.ToolKindAsk,
}

var kindTable = agentwire.KindTable{
	"bash_command":      agentwire.ToolKindExecute,
	"execute_command":   agentwire.ToolKindExecute,
	"read_file":         agentwire.ToolKindRead,
	"read_text_file":    agentwire.ToolKindRead,
	"write_file":        agentwire.ToolKindEdit,
	"replace":           agentwire.ToolKindEdit,
	"list_directory":    agentwire.ToolKindSearch,
	"glob":              agentwire.ToolKindSearch,
	"grep":              agentwire.ToolKindSearch,
	"web_fetch":         agentwire.ToolKindFetch,
	"google_web_search": agentwire.ToolKindSearch,
}

func toolKind(wireKind, toolName string) agentwire.ToolKind {
	if strings.HasPrefix(toolName, agentwire.MCPToolPrefix) {
		return agentwire.ToolKindMCP
	}
	if k, ok := wireKinds[wireKind]; ok {
		return k
	}
	return kindTable.Lookup(toolName)
}

func (a *Adapter) translateUpdate(raw json.RawMessage) []agentwire.Event {
	var notif sessionNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		a.logger.Warn("skipping malformed session update", "error", err)
		return nil
	}
	update := notif.Update

	switch update.Type {
	case UpdateAgentMessage:
		if update.Content == nil || update.Content.Type != "text" {
			return nil
		}
		return []agentwire.Event{a.newEvent(raw, agentwire.StreamDeltaPayload{
			DeltaKind: agentwire.DeltaText,
			Text:      update.Content.Text,
		})}

	case UpdateAgentThought:
		if update.Content == nil || update.Content.Type != "text" {
			return nil
		}
		return []agentwire.Event{a.newEvent(raw, agentwire.StreamDeltaPayload{
			DeltaKind: agentwire.DeltaThinking,
			Text:      update.Content.Text,
		})}

	case UpdateToolCall:
		return []agentwire.Event{a.newEvent(raw, agentwire.ToolInvocationPayload{
			ToolUseID: update.ToolCallID,
			Name:      toolDisplayName(update.ToolName, update.Title),
			ToolKind:  toolKind(update.Kind, update.ToolName),
			Input:     update.Input,
		})}

	case UpdateToolCallUpdate:
		return a.translateToolCallUpdate(raw, update)

	case UpdatePlan:
		if update.Plan == nil || len(update.Plan.Entries) == 0 {
			return nil
		}
		return []agentwire.Event{a.newEvent(raw, agentwire.TextPayload{
			TextKind: agentwire.TextKindPlan,
			Text:     renderPlan(update.Plan),
		})}

	case UpdateAvailableCommands, UpdateCurrentMode:
		a.logger.Debug("ignoring session update", "type", update.Type)
		return nil

	default:
		a.logger.Warn("skipping unknown session update", "type", update.Type)
		return []agentwire.Event{a.unclassified(raw)}
	}
}

// translateToolCallUpdate emits a completion only for terminal statuses;
// intermediate status changes stream nothing.
func (a *Adapter) translateToolCallUpdate(raw json.RawMessage, update sessionUpdate) []agentwire.Event {
	var status agentwire.ToolStatus
	switch update.Status {
	case "completed":
		status = agentwire.ToolStatusCompleted
	case "failed", "errored":
		status = agentwire.ToolStatusFailed
	case "cancelled":
		status = agentwire.ToolStatusCancelled
	default:
		a.logger.Debug("ignoring non-terminal tool status", "status", update.Status)
		return nil
	}

	payload := agentwire.ToolCompletionPayload{
		ToolUseID: update.ToolCallID,
		Name:      toolDisplayName(update.ToolName, update.Title),
		Status:    status,
	}
	if text := blocksText(update.Result); text != "" {
		payload.Result = text
	}
	return []agentwire.Event{a.newEvent(raw, payload)}
}

// mapPermission canonicalizes an option-based ask. This backend offers
// no input modification and no path blocking, so those fields stay
// absent; the option list is preserved verbatim.
func mapPermission(requestID string, req requestPermissionRequest) agentwire.PermissionRequest {
	options := make([]agentwire.PermissionOption, 0, len(req.Options))
	for _, opt := range req.Options {
		options = append(options, agentwire.PermissionOption{
			ID:   opt.ID,
			Name: opt.Name,
			Kind: opt.Kind,
		})
	}
	return agentwire.PermissionRequest{
		RequestID: requestID,
		ToolUseID: req.ToolCall.ToolCallID,
		ToolName:  toolDisplayName(req.ToolCall.ToolName, req.ToolCall.Title),
		ToolKind:  toolKind(req.ToolCall.Kind, req.ToolCall.ToolName),
		ToolInput: req.ToolCall.Input,
		Options:   options,
	}
}

// mapDecision folds the canonical verdict into an option selection. An
// allow picks the first allow-kind option; a plain deny picks the first
// reject-kind option; a deny with interrupt, or a verdict with no
// matching option, becomes a cancelled outcome.
func mapDecision(resp agentwire.PermissionResponse, options []permissionOption) requestPermissionResponse {
	if resp.Allowed {
		if opt, ok := firstOption(options, "allow"); ok {
			return selected(opt)
		}
		if len(options) > 0 {
			return selected(options[0])
		}
		return cancelled()
	}
	if resp.Interrupt {
		return cancelled()
	}
	if opt, ok := firstOption(options, "reject"); ok {
		return selected(opt)
	}
	return cancelled()
}

func firstOption(options []permissionOption, kindPrefix string) (permissionOption, bool) {
	for _, opt := range options {
		if strings.HasPrefix(opt.Kind, kindPrefix) {
			return opt, true
		}
	}
	return permissionOption{}, false
}

func selected(opt permissionOption) requestPermissionResponse {
	return requestPermissionResponse{
		Outcome: permissionOutcome{Type: "selected", OptionID: opt.ID},
	}
}

func cancelled() requestPermissionResponse {
	return requestPermissionResponse{
		Outcome: permissionOutcome{Type: "cancelled"},
	}
}

func toolDisplayName(toolName, title string) string {
	if title != "" {
		return title
	}
	return toolName
}

func renderPlan(p *plan) string {
	var b strings.Builder
	for i, entry := range p.Entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		mark := " "
		switch entry.Status {
		case "completed":
			mark = "x"
		case "in_progress":
			mark = "-"
		}
		b.WriteString("[" + mark + "] " + entry.Title)
	}
	return b.String()
}

func blocksText(blocks []contentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func buildPrompt(text string, blocks []agentwire.ContentBlock) []contentBlock {
	if len(blocks) == 0 {
		return []contentBlock{{Type: "text", Text: text}}
	}
	prompt := make([]contentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "image":
			prompt = append(prompt, contentBlock{Type: "image", Data: b.Data, MimeType: b.MimeType})
		default:
			prompt = append(prompt, contentBlock{Type: "text", Text: b.Text})
		}
	}
	return prompt
}
