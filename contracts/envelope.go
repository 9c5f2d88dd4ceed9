package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Call is the request envelope: {"operation": ..., "params": [...]}.
type Call struct {
	Operation string            `json:"operation"`
	Params    []json.RawMessage `json:"params"`
}

// ResultReply is the success envelope: {"result": ...}.
type ResultReply struct {
	Result json.RawMessage `json:"result"`
}

// ErrorReply is the failure envelope: {"error": "..."}.
type ErrorReply struct {
	Error string `json:"error"`
}

// Response is a decoded reply, either a result or an error message.
type Response struct {
	Result json.RawMessage
	// Err is set for error replies.
	Err *string
}

// IsError reports whether the reply carried an error.
func (r Response) IsError() bool {
	return r.Err != nil
}

// NewCall builds a call envelope, encoding each parameter as JSON.
func NewCall(operation string, params ...any) (Call, error) {
	call := Call{Operation: operation, Params: make([]json.RawMessage, 0, len(params))}
	for i, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return Call{}, fmt.Errorf("encode param %d of %s: %w", i, operation, err)
		}
		call.Params = append(call.Params, raw)
	}
	return call, nil
}

// EncodeCall encodes a call. Nil params encode as an empty list.
func EncodeCall(operation string, params []any) ([]byte, error) {
	call, err := NewCall(operation, params...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(call)
}

// DecodeCall parses a call envelope. A missing operation decodes as the
// empty string and is left for the dispatcher to reject.
func DecodeCall(body []byte) (Call, error) {
	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return Call{}, &DecodeError{Envelope: "call", Err: err}
	}
	if call.Params == nil {
		call.Params = []json.RawMessage{}
	}
	return call, nil
}

// EncodeResult encodes a success reply.
func EncodeResult(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return json.Marshal(ResultReply{Result: raw})
}

// EncodeError encodes a failure reply.
func EncodeError(message string) ([]byte, error) {
	return json.Marshal(ErrorReply{Error: message})
}

// DecodeResponse parses a reply. A set "error" member wins over "result";
// null, false, 0 and "" count as unset. A reply with neither is malformed.
func DecodeResponse(body []byte) (Response, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Response{}, &DecodeError{Envelope: "response", Err: err}
	}

	if raw, ok := fields["error"]; ok && !unset(raw) {
		var msg string
		if err := json.Unmarshal(raw, &msg); err != nil {
			// non-string error payloads are kept verbatim
			msg = string(bytes.TrimSpace(raw))
		}
		return Response{Err: &msg}, nil
	}

	if raw, ok := fields["result"]; ok {
		return Response{Result: raw}, nil
	}

	return Response{}, &DecodeError{Envelope: "response", Err: ErrMalformedEnvelope}
}

func unset(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "null", "false", "0", `""`:
		return true
	}
	return false
}
