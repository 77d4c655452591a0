// Package message defines the envelopes exchanged between client and server.
//
// Every message on the wire is a JSON object carrying a "type" discriminator:
//
//	request:  {"type":"request","id":1,"method":"add","params":[2,3],"meta":{}}
//	response: {"type":"response","id":1,"ok":true,"result":5,"error":null}
//
// The id is chosen by the issuer and echoed verbatim by the server. A response
// with a null id is a connection-level error not tied to one request.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	TypeRequest  = "request"
	TypeResponse = "response"
)

// Well-known meta directives.
const (
	MetaTimeoutMs  = "timeout_ms"
	MetaIdempotent = "idempotent"
)

// ErrProtocolViolation is returned when a response breaks the ok/result/error contract.
var ErrProtocolViolation = errors.New("message: protocol violation")

// Meta holds optional per-request directives. It is never sent as null.
type Meta map[string]any

// maxHintMs keeps a timeout_ms hint representable as a time.Duration.
const maxHintMs = math.MaxInt64 / int64(time.Millisecond)

// TimeoutHint returns the timeout_ms directive when it is an integral number.
// A present hint of zero or less is returned as is; callers treat it as
// already expired. Out-of-range hints are clamped.
func (m Meta) TimeoutHint() (time.Duration, bool) {
	v, ok := m[MetaTimeoutMs]
	if !ok {
		return 0, false
	}
	var ms int64
	switch n := v.(type) {
	case int:
		ms = int64(n)
	case int32:
		ms = int64(n)
	case int64:
		ms = n
	case uint32:
		ms = int64(n)
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		switch {
		case n >= float64(maxHintMs):
			ms = maxHintMs
		case n <= -float64(maxHintMs):
			ms = -maxHintMs
		default:
			ms = int64(n)
		}
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil || f != math.Trunc(f) {
				return 0, false
			}
			return Meta{MetaTimeoutMs: f}.TimeoutHint()
		}
		ms = i
	default:
		return 0, false
	}
	ms = min(max(ms, -maxHintMs), maxHintMs)
	return time.Duration(ms) * time.Millisecond, true
}

// Idempotent reports whether the caller flagged the request as safe to repeat.
func (m Meta) Idempotent() bool {
	b, _ := m[MetaIdempotent].(bool)
	return b
}

// Request is a call to a named server-side method.
type Request struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Meta   Meta            `json:"meta"`
}

// NewRequest builds a request with a numeric id. params may be any JSON
// serializable value, or a json.RawMessage that is sent as-is.
func NewRequest(id uint64, method string, params any, meta Meta) (*Request, error) {
	raw, err := marshalValue(params)
	if err != nil {
		return nil, fmt.Errorf("message: encode params: %w", err)
	}
	if meta == nil {
		meta = Meta{}
	}
	return &Request{
		Type:   TypeRequest,
		ID:     json.RawMessage(strconv.FormatUint(id, 10)),
		Method: method,
		Params: raw,
		Meta:   meta,
	}, nil
}

// Response carries the outcome of exactly one request.
//
//   - ok=true:  Result holds the handler's return value, Error is nil.
//   - ok=false: Result is null, Error describes the failure.
type Response struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// NewResult builds a successful response. It fails if result is not serializable.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	raw, err := marshalValue(result)
	if err != nil {
		return nil, err
	}
	return &Response{Type: TypeResponse, ID: normalize(id), OK: true, Result: raw}, nil
}

// Fail builds an error response.
func Fail(id json.RawMessage, e *Error) *Response {
	return &Response{Type: TypeResponse, ID: normalize(id), OK: false, Error: e}
}

// RawResponse is a response as received, before the ok/result/error contract
// has been checked. Fields stay undecoded until Resolve.
type RawResponse struct {
	Type   json.RawMessage `json:"type"`
	ID     json.RawMessage `json:"id"`
	OK     json.RawMessage `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// DecodeResponse parses a response envelope. It fails when data is not a JSON object.
func DecodeResponse(data []byte) (*RawResponse, error) {
	var r RawResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Synthetic builds a connection-level failure with a null id.
func Synthetic(code, msg string, details map[string]any) *RawResponse {
	payload, _ := json.Marshal(NewError(code, msg, details))
	return &RawResponse{
		Type:  json.RawMessage(`"response"`),
		OK:    json.RawMessage("false"),
		Error: payload,
	}
}

// IsKind reports whether the message is of the given kind. A missing or null
// type is accepted as any kind.
func (r *RawResponse) IsKind(kind string) bool {
	return isKind(r.Type, kind)
}

// Resolve enforces the ok/result/error exclusivity and returns the result,
// or the carried *Error when ok is false.
func (r *RawResponse) Resolve() (json.RawMessage, error) {
	var ok bool
	if isNull(r.OK) {
		return nil, fmt.Errorf("%w: missing field 'ok'", ErrProtocolViolation)
	}
	if err := json.Unmarshal(r.OK, &ok); err != nil {
		return nil, fmt.Errorf("%w: field 'ok' must be a boolean", ErrProtocolViolation)
	}

	if ok {
		if !isNull(r.Error) {
			return nil, fmt.Errorf("%w: ok=true with non-null error", ErrProtocolViolation)
		}
		if isNull(r.Result) {
			return json.RawMessage("null"), nil
		}
		return r.Result, nil
	}

	if !isNull(r.Result) {
		return nil, fmt.Errorf("%w: ok=false with non-null result", ErrProtocolViolation)
	}
	e, err := ErrorFromPayload(r.Error)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return nil, e
}

func isKind(raw json.RawMessage, kind string) bool {
	if isNull(raw) {
		return true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == kind
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func normalize(raw json.RawMessage) json.RawMessage {
	if isNull(raw) {
		return nil
	}
	return raw
}

func marshalValue(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if isNull(x) {
			return nil, nil
		}
		if !json.Valid(x) {
			return nil, errors.New("invalid raw JSON")
		}
		return x, nil
	}
	return json.Marshal(v)
}
