package proxyconn

import (
	"errors"

	"github.com/jackc/pgproto3/v2"

	"github.com/cipherstash/csproxy/pkg/csproxyerr"
)

// errorResponseFor renders any error into the ErrorResponse wire shape
// the client understands.
func errorResponseFor(err error) *pgproto3.ErrorResponse {
	var ce *csproxyerr.Error
	if errors.As(err, &ce) {
		resp := &pgproto3.ErrorResponse{
			Severity: "ERROR",
			Code:     ce.Code,
			Message:  ce.Message,
		}
		if resp.Code == "" {
			resp.Code = "XX000"
		}
		if ce.Hint != "" {
			resp.Hint = ce.Hint
		}
		if ce.Detail != "" {
			resp.Detail = ce.Detail
		}
		return resp
	}
	return &pgproto3.ErrorResponse{Severity: "ERROR", Code: "XX000", Message: err.Error()}
}
