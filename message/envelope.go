package message

import (
	"encoding/json"
	"errors"
)

// ErrForeignKind marks a message whose "type" names another kind. Receivers
// skip such messages.
var ErrForeignKind = errors.New("message: foreign message kind")

// ParseRequest validates an incoming request envelope.
//
// It returns ErrForeignKind for messages of another type, and a BAD_REQUEST
// *Error for envelope violations. On a violation the returned Request still
// carries the id (when one could be read) so the error can be correlated.
func ParseRequest(data []byte) (*Request, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil || env == nil {
		return &Request{}, NewError(CodeBadRequest, "Payload must be a JSON object", nil)
	}

	if !isKind(env["type"], TypeRequest) {
		return nil, ErrForeignKind
	}

	req := &Request{Type: TypeRequest, ID: normalize(env["id"]), Params: normalize(env["params"])}

	if raw, ok := env["meta"]; ok {
		var meta Meta
		if isNull(raw) || json.Unmarshal(raw, &meta) != nil {
			return req, NewError(CodeBadRequest, "Field 'meta' must be an object when provided",
				map[string]any{"field": "meta"})
		}
		req.Meta = meta
	} else {
		req.Meta = Meta{}
	}

	raw, ok := env["method"]
	if !ok || isNull(raw) || json.Unmarshal(raw, &req.Method) != nil {
		return req, NewError(CodeBadRequest, "Field 'method' is required and must be a string",
			map[string]any{"field": "method"})
	}
	return req, nil
}
