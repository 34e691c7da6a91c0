// Package agentwire defines the canonical command/event vocabulary shared
// by every backend adapter.
//
// Three agent CLIs speak three different wire protocols: a newline-delimited
// custom JSON protocol, an app-server JSON-RPC dialect, and an agent-client
// JSON-RPC dialect. Consumers should not care which one a session is bound
// to, so this package pins down the one shape they all translate into:
//
//   - Command: a closed, tagged union of everything a client may ask for
//     (send_message, permission_response, interrupt, kill, set_model,
//     set_permission_mode, create_session). Unknown discriminators are a
//     hard parse error.
//   - Event: a closed union of everything a backend can report, wrapped in
//     a common envelope carrying an event ID, timestamp, producing-backend
//     tag, the raw wire payload, and an extensions map. The raw payload and
//     extensions exist so information with no canonical representation is
//     never silently dropped.
//   - ToolKind: a semantic category for tool invocations, derived from
//     backend-native tool names through per-backend lookup tables.
//   - The permission exchange: one request shape and one response shape
//     reconciling three different approval mechanisms (allow/deny with
//     input modification, accept/decline/cancel, and option lists).
//
// The gateway envelopes (session.created, sdk.message, callback.request,
// callback.response, query.result, error) carry these types across a
// process boundary; see envelope.go.
package agentwire
