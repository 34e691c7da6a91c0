package lineproto

import (
	"encoding/json"

	"github.com/coderelay/agentmux/transport"
)

// controlEnvelope is the outer control_request frame, both directions.
type controlEnvelope struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

// controlResponseEnvelope is the outer control_response frame.
type controlResponseEnvelope struct {
	Type     MessageType            `json:"type"`
	Response controlResponsePayload `json:"response"`
}

// controlResponsePayload is the inner control_response body.
type controlResponsePayload struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Framer maps the line protocol onto the transport's request/response
// model: control_request/control_response envelopes carry the correlated
// traffic (the Conn's opaque IDs ride the request_id field unchanged),
// and every conversation line is a notification whose method is its type.
type Framer struct{}

// NewFramer creates a line-protocol framer. It is stateless; the wire
// echoes request IDs verbatim.
func NewFramer() *Framer { return &Framer{} }

// EncodeRequest implements transport.Framer. method becomes the inner
// request's subtype.
func (f *Framer) EncodeRequest(id, method string, params interface{}) ([]byte, error) {
	body, err := spliceSubtype(method, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(controlEnvelope{
		Type:      MessageTypeControlRequest,
		RequestID: id,
		Request:   body,
	})
}

// EncodeNotification implements transport.Framer. The params carry their
// own type field (outbound user messages); method is ignored.
func (f *Framer) EncodeNotification(method string, params interface{}) ([]byte, error) {
	return json.Marshal(params)
}

// EncodeResponse implements transport.Framer.
func (f *Framer) EncodeResponse(id string, result interface{}) ([]byte, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(controlResponseEnvelope{
		Type: MessageTypeControlResponse,
		Response: controlResponsePayload{
			Subtype:   "success",
			RequestID: id,
			Response:  body,
		},
	})
}

// EncodeError implements transport.Framer. The line protocol has no
// numeric error codes; code is dropped.
func (f *Framer) EncodeError(id string, code int, message string) ([]byte, error) {
	return json.Marshal(controlResponseEnvelope{
		Type: MessageTypeControlResponse,
		Response: controlResponsePayload{
			Subtype:   "error",
			RequestID: id,
			Error:     message,
		},
	})
}

// Decode implements transport.Framer.
func (f *Framer) Decode(line []byte) (*transport.Inbound, error) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, &transport.ProtocolError{Message: "failed to parse line", Line: string(line), Cause: err}
	}

	switch base.Type {
	case MessageTypeControlRequest:
		var env controlEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, &transport.ProtocolError{Message: "failed to parse control_request", Line: string(line), Cause: err}
		}
		var inner struct {
			Subtype string `json:"subtype"`
		}
		if err := json.Unmarshal(env.Request, &inner); err != nil {
			return nil, &transport.ProtocolError{Message: "control_request without subtype", Line: string(line), Cause: err}
		}
		return &transport.Inbound{
			Kind:   transport.InboundServerRequest,
			ID:     env.RequestID,
			Method: inner.Subtype,
			Params: env.Request,
			Raw:    json.RawMessage(line),
		}, nil

	case MessageTypeControlResponse:
		var env controlResponseEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, &transport.ProtocolError{Message: "failed to parse control_response", Line: string(line), Cause: err}
		}
		inb := &transport.Inbound{
			Kind:   transport.InboundResponse,
			ID:     env.Response.RequestID,
			Result: env.Response.Response,
			Raw:    json.RawMessage(line),
		}
		if env.Response.Subtype == "error" {
			inb.Err = &transport.WireError{Message: env.Response.Error}
		}
		return inb, nil

	default:
		// Conversation lines and anything unrecognized flow through as
		// notifications; the adapter decides what an unknown type means.
		return &transport.Inbound{
			Kind:   transport.InboundNotification,
			Method: string(base.Type),
			Params: json.RawMessage(line),
			Raw:    json.RawMessage(line),
		}, nil
	}
}

// spliceSubtype marshals params and forces the subtype field to method.
func spliceSubtype(method string, params interface{}) (json.RawMessage, error) {
	if params == nil {
		params = struct{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	sub, _ := json.Marshal(method)
	fields["subtype"] = sub
	return json.Marshal(fields)
}
