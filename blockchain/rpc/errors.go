package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Error is a rejection reported by the ledger node, for example a failed
// preflight simulation.
type Error struct {
	Method  string
	Code    int
	Message string
	Logs    []string
	err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (code %d)", e.Method, e.Message, e.Code)
	for _, line := range e.Logs {
		b.WriteString("\n  ")
		b.WriteString(line)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

func wrapError(method string, err error) error {
	var rpcErr gethrpc.Error
	if !errors.As(err, &rpcErr) {
		return fmt.Errorf("%s: %w", method, err)
	}

	out := &Error{
		Method:  method,
		Code:    rpcErr.ErrorCode(),
		Message: rpcErr.Error(),
		err:     err,
	}

	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		// Simulation failures carry program logs in the error data.
		raw, mErr := json.Marshal(dataErr.ErrorData())
		if mErr == nil {
			var data struct {
				Logs []string `json:"logs"`
			}
			if json.Unmarshal(raw, &data) == nil {
				out.Logs = data.Logs
			}
		}
	}
	return out
}
