package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved error codes. Codes outside this set pass through unmodified.
const (
	CodeBadRequest       = "BAD_REQUEST"       // malformed envelope
	CodeMethodNotFound   = "METHOD_NOT_FOUND"  // unbound method
	CodeInternal         = "INTERNAL"          // handler failure
	CodeConnectionClosed = "CONNECTION_CLOSED" // local close with requests outstanding
	CodeConnectionError  = "CONNECTION_ERROR"  // remote/transport failure with requests outstanding
)

// Error is the structured error shared verbatim by both sides.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// NewError builds an Error, defaulting details to an empty mapping.
func NewError(code, message string, details map[string]any) *Error {
	if details == nil {
		details = map[string]any{}
	}
	return &Error{Code: code, Message: message, Details: details}
}

// Errorf builds an Error with a formatted message.
func Errorf(code string, details map[string]any, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...), details)
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// MarshalJSON never emits null details.
func (e Error) MarshalJSON() ([]byte, error) {
	type plain Error
	p := plain(e)
	if p.Details == nil {
		p.Details = map[string]any{}
	}
	return json.Marshal(p)
}

// ErrorFromPayload decodes an error object received from a peer. Missing
// fields are filled the same way on every client: code INTERNAL, a generic
// message, empty details.
func ErrorFromPayload(raw json.RawMessage) (*Error, error) {
	if isNull(raw) {
		return nil, errors.New("ok=false with null error")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.New("error payload must be an object")
	}

	e := &Error{
		Code:    textField(fields["code"], CodeInternal),
		Message: textField(fields["message"], "Unknown RPC error"),
		Details: map[string]any{},
	}
	if d, ok := fields["details"]; ok {
		var details map[string]any
		if json.Unmarshal(d, &details) == nil && details != nil {
			e.Details = details
		}
	}
	return e, nil
}

// CodeOf returns the structured code carried by err, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func textField(raw json.RawMessage, fallback string) string {
	if isNull(raw) {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
