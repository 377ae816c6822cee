package protocol

import (
	"encoding/json"
	"errors"

	"github.com/mortifiers/memflow-cli/internal/types"
)

// Request is one framed command. The id is an opaque correlation
// token chosen by the client; responses carry it back so commands may
// complete out of order.
type Request struct {
	ID      string         `json:"id"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// ErrorBody is the structured error carried in failed responses.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// Response answers one Request.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// NewErrorBody serializes an error into its wire form, mapping the
// daemon taxonomy onto kind/reason and anything else onto
// ProtocolError.
func NewErrorBody(err error) *ErrorBody {
	var e *types.Error
	if errors.As(err, &e) {
		return &ErrorBody{Kind: string(e.Kind), Reason: string(e.Reason), Message: e.Message}
	}
	return &ErrorBody{Kind: string(types.KindProtocol), Message: err.Error()}
}

// Err reconstructs a taxonomy error from the wire form, so client-side
// callers can match with errors.Is.
func (e *ErrorBody) Err() error {
	return &types.Error{
		Kind:    types.ErrorKind(e.Kind),
		Reason:  types.Reason(e.Reason),
		Message: e.Message,
	}
}
