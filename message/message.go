// Package message defines the request and response envelopes exchanged
// between client and server and converts them to and from the generic values
// produced by the codec.
package message

import (
	"fmt"
	"math"

	"github.com/studio-ousia/mprpc/protocol"
)

// Request is one call issued by a client.
type Request struct {
	ID     uint32 // assigned by the client, 1 for the first call on a connection
	Method string
	Params []any
}

// Frame returns the wire tuple [0, id, method, params].
func (r *Request) Frame() []any {
	params := r.Params
	if params == nil {
		params = []any{}
	}
	return []any{protocol.MsgTypeRequest, r.ID, r.Method, params}
}

// Response answers exactly one Request.
//
//   - On success: Error is nil, Result holds the handler's return value (may be nil).
//   - On failure: Error holds the error payload, Result is nil.
type Response struct {
	ID     uint32
	Error  any
	Result any
}

// NewResponse builds the response for request id from a handler outcome.
// A non-nil err always wins and drops the result.
func NewResponse(id uint32, result any, err error) *Response {
	if err != nil {
		return &Response{ID: id, Error: err.Error()}
	}
	return &Response{ID: id, Result: result}
}

// Frame returns the wire tuple [1, id, error, result].
func (r *Response) Frame() []any {
	return []any{protocol.MsgTypeResponse, r.ID, r.Error, r.Result}
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool {
	return r.Error != nil
}

// ErrorMessage stringifies the error payload.
func (r *Response) ErrorMessage() string {
	switch e := r.Error.(type) {
	case nil:
		return ""
	case string:
		return e
	case []byte:
		return string(e)
	case error:
		return e.Error()
	}
	return fmt.Sprint(r.Error)
}

// ParseRequest validates a decoded value as a request frame.
func ParseRequest(v any) (*Request, error) {
	fields, err := frameFields(v, protocol.MsgTypeRequest)
	if err != nil {
		return nil, err
	}
	id, err := msgID(fields[1])
	if err != nil {
		return nil, err
	}
	method, ok := asString(fields[2])
	if !ok {
		return nil, protocol.NewProtocolError("method must be a string, got %T", fields[2])
	}
	params, ok := fields[3].([]any)
	if !ok {
		return nil, protocol.NewProtocolError("params must be an array, got %T", fields[3])
	}
	return &Request{ID: id, Method: method, Params: params}, nil
}

// ParseResponse validates a decoded value as a response frame.
func ParseResponse(v any) (*Response, error) {
	fields, err := frameFields(v, protocol.MsgTypeResponse)
	if err != nil {
		return nil, err
	}
	id, err := msgID(fields[1])
	if err != nil {
		return nil, err
	}
	resp := &Response{ID: id, Error: fields[2], Result: fields[3]}
	if resp.Error != nil && resp.Result != nil {
		return nil, protocol.NewProtocolError("response carries both error and result")
	}
	return resp, nil
}

func frameFields(v any, want protocol.MsgType) ([]any, error) {
	fields, ok := v.([]any)
	if !ok {
		return nil, protocol.NewProtocolError("frame must be an array, got %T", v)
	}
	if len(fields) != protocol.FrameLen {
		return nil, protocol.NewProtocolError("frame must have %d elements, got %d", protocol.FrameLen, len(fields))
	}
	tag, ok := asInt(fields[0])
	if !ok || tag != int64(want) {
		return nil, protocol.NewProtocolError("expected %s frame, got type %v", want, fields[0])
	}
	return fields, nil
}

func msgID(v any) (uint32, error) {
	id, ok := asInt(v)
	if !ok {
		return 0, protocol.NewProtocolError("message id must be an integer, got %T", v)
	}
	if id < 0 || id > protocol.MaxMsgID {
		return 0, protocol.NewProtocolError("message id %d out of range", id)
	}
	return uint32(id), nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}
