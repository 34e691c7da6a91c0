package transport

import (
	"encoding/json"
	"strconv"
	"sync"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// jsonrpcRequest is a JSON-RPC 2.0 request.
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

// jsonrpcResponse is a JSON-RPC 2.0 response.
type jsonrpcResponse struct {
	Error   *jsonrpcError   `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	ID      int64           `json:"id"`
}

// jsonrpcNotification is a JSON-RPC 2.0 notification (no id).
type jsonrpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// jsonrpcError is a JSON-RPC 2.0 error object.
type jsonrpcError struct {
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
	Code    int         `json:"code"`
}

// JSONRPCFramer speaks JSON-RPC 2.0 over NDJSON. The wire uses int64 IDs;
// the framer maps them to and from the Conn's opaque string IDs: outgoing
// requests get a fresh wire ID recorded until the response arrives, and
// peer request IDs pass through as their decimal form.
type JSONRPCFramer struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]string
}

// NewJSONRPCFramer creates a framer for one connection.
func NewJSONRPCFramer() *JSONRPCFramer {
	return &JSONRPCFramer{pending: make(map[int64]string)}
}

// EncodeRequest implements Framer.
func (f *JSONRPCFramer) EncodeRequest(id, method string, params interface{}) ([]byte, error) {
	paramsData, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.nextID++
	wireID := f.nextID
	f.pending[wireID] = id
	f.mu.Unlock()

	return json.Marshal(jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      wireID,
		Method:  method,
		Params:  paramsData,
	})
}

// EncodeNotification implements Framer.
func (f *JSONRPCFramer) EncodeNotification(method string, params interface{}) ([]byte, error) {
	paramsData, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonrpcNotification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsData,
	})
}

// EncodeResponse implements Framer. The ID must be one a decoded
// server request carried.
func (f *JSONRPCFramer) EncodeResponse(id string, result interface{}) ([]byte, error) {
	wireID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, &ProtocolError{Message: "response id is not a peer request id", Cause: err}
	}
	resultData, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      wireID,
		Result:  resultData,
	})
}

// EncodeError implements Framer.
func (f *JSONRPCFramer) EncodeError(id string, code int, message string) ([]byte, error) {
	wireID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, &ProtocolError{Message: "response id is not a peer request id", Cause: err}
	}
	return json.Marshal(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      wireID,
		Error:   &jsonrpcError{Code: code, Message: message},
	})
}

// Decode implements Framer. Classification follows JSON-RPC 2.0: id and
// method means a peer request, id alone a response, method alone a
// notification.
func (f *JSONRPCFramer) Decode(line []byte) (*Inbound, error) {
	var base struct {
		ID     *int64 `json:"id,omitempty"`
		Method string `json:"method,omitempty"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, &ProtocolError{Message: "failed to parse message", Line: string(line), Cause: err}
	}

	switch {
	case base.ID != nil && base.Method != "":
		var req jsonrpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, &ProtocolError{Message: "failed to parse peer request", Line: string(line), Cause: err}
		}
		return &Inbound{
			Kind:   InboundServerRequest,
			ID:     strconv.FormatInt(req.ID, 10),
			Method: req.Method,
			Params: req.Params,
			Raw:    json.RawMessage(line),
		}, nil

	case base.ID != nil:
		var resp jsonrpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, &ProtocolError{Message: "failed to parse response", Line: string(line), Cause: err}
		}

		f.mu.Lock()
		id, ok := f.pending[resp.ID]
		if ok {
			delete(f.pending, resp.ID)
		}
		f.mu.Unlock()
		if !ok {
			// Late or unsolicited; the Conn logs and drops it.
			id = strconv.FormatInt(resp.ID, 10)
		}

		inb := &Inbound{
			Kind:   InboundResponse,
			ID:     id,
			Result: resp.Result,
			Raw:    json.RawMessage(line),
		}
		if resp.Error != nil {
			inb.Err = &WireError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return inb, nil

	case base.Method != "":
		var notif jsonrpcNotification
		if err := json.Unmarshal(line, &notif); err != nil {
			return nil, &ProtocolError{Message: "failed to parse notification", Line: string(line), Cause: err}
		}
		return &Inbound{
			Kind:   InboundNotification,
			Method: notif.Method,
			Params: notif.Params,
			Raw:    json.RawMessage(line),
		}, nil

	default:
		return nil, &ProtocolError{Message: "message has neither id nor method", Line: string(line)}
	}
}
