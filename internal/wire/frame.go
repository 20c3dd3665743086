// Package wire defines the JSON frames exchanged on the relay stream.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Qwaper/BigD-Gram/internal/remote"
)

type Op string

// Client to server.
const (
	OpGet                Op = "get"
	OpSet                Op = "set"
	OpMerge              Op = "merge"
	OpAppend             Op = "append"
	OpSubscribe          Op = "subscribe"
	OpUnsubscribe        Op = "unsubscribe"
	OpOnDisconnect       Op = "on_disconnect"
	OpCancelOnDisconnect Op = "cancel_on_disconnect"
)

// Server to client.
const (
	OpResult   Op = "result"
	OpSnapshot Op = "snapshot"
	OpError    Op = "error"
)

// Frame is a single stream message. ID correlates a request with its result or error;
// Sub names a subscription chosen by the client.
type Frame struct {
	Op           Op                         `json:"op"`
	ID           uint64                     `json:"id,omitempty"`
	Sub          string                     `json:"sub,omitempty"`
	Path         string                     `json:"path,omitempty"`
	Data         json.RawMessage            `json:"data,omitempty"`
	Fields       map[string]json.RawMessage `json:"fields,omitempty"`
	FailIfExists bool                       `json:"failIfExists,omitempty"`
	Query        *remote.Query              `json:"query,omitempty"`
	Found        bool                       `json:"found,omitempty"`
	Key          string                     `json:"key,omitempty"`
	Records      []remote.Record            `json:"records,omitempty"`
	Code         string                     `json:"code,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

// Error codes carried on OpError frames.
const (
	CodeAlreadyExists    = "already_exists"
	CodePermissionDenied = "permission_denied"
	CodeInvalidPath      = "invalid_path"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
)

// ErrBadRequest marks malformed frames.
var ErrBadRequest = errors.New("bad request")

// ErrorFrame builds the error reply for a request.
func ErrorFrame(id uint64, sub string, err error) Frame {
	return Frame{Op: OpError, ID: id, Sub: sub, Code: CodeOf(err), Error: err.Error()}
}

// CodeOf classifies err for the wire.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, remote.ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, remote.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, remote.ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	}
	return CodeInternal
}

// Err converts an error frame back into an error matching the remote sentinels.
func (f Frame) Err() error {
	if f.Op != OpError {
		return nil
	}
	var base error
	switch f.Code {
	case CodeAlreadyExists:
		base = remote.ErrAlreadyExists
	case CodePermissionDenied:
		base = remote.ErrPermissionDenied
	case CodeInvalidPath:
		base = remote.ErrInvalidPath
	case CodeBadRequest:
		base = ErrBadRequest
	default:
		return fmt.Errorf("relay: %s", f.Error)
	}
	return fmt.Errorf("%w (relay: %s)", base, f.Error)
}
