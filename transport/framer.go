// Package transport provides request/response correlation, notification
// streaming, and subprocess supervision over newline-delimited JSON.
//
// A Conn is framing-agnostic: a Framer translates between the peer's wire
// shape (JSON-RPC 2.0 or a custom envelope protocol) and the three inbound
// kinds every backend protocol reduces to: responses to our requests,
// peer-initiated requests, and notifications.
package transport

import "encoding/json"

// InboundKind classifies a decoded wire line.
type InboundKind string

const (
	// InboundResponse answers a request this side sent.
	InboundResponse InboundKind = "response"
	// InboundServerRequest is a peer-initiated request expecting a reply
	// via SendResponse/SendError with the same ID.
	InboundServerRequest InboundKind = "server_request"
	// InboundNotification is one-way traffic from the peer.
	InboundNotification InboundKind = "notification"
)

// Inbound is one decoded line from the peer. IDs are opaque strings at
// this layer; the Framer owns the mapping to whatever the wire carries.
type Inbound struct {
	Kind   InboundKind
	ID     string
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *WireError
	Raw    json.RawMessage
}

// Framer translates between wire lines and the Conn's request/response
// model. Implementations carry per-connection state (ID mappings) and are
// not safe to share across Conns.
type Framer interface {
	// EncodeRequest frames an outgoing request under the given opaque ID.
	EncodeRequest(id, method string, params interface{}) ([]byte, error)
	// EncodeNotification frames one-way traffic to the peer.
	EncodeNotification(method string, params interface{}) ([]byte, error)
	// EncodeResponse frames a success reply to a peer-initiated request.
	EncodeResponse(id string, result interface{}) ([]byte, error)
	// EncodeError frames an error reply to a peer-initiated request.
	EncodeError(id string, code int, message string) ([]byte, error)
	// Decode classifies one wire line. A nil Inbound with nil error means
	// the line is valid but carries nothing for the Conn (keepalive etc.).
	Decode(line []byte) (*Inbound, error)
}
