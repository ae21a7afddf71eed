package connection

import (
	"encoding/json"
	"fmt"
)

// RPCError is a well-formed application error reply: the contents of the
// envelope's "error" member. It is delivered to the failure continuation
// registered for the request, never thrown across unrelated calls.
type RPCError struct {
	Code    int64
	Message string
	Data    json.RawMessage // optional auxiliary data, nil when absent
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
