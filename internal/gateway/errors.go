package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady         = errors.New("gateway connection not ready")
	ErrTimeout          = errors.New("gateway request timeout")
	ErrConnectionClosed = errors.New("gateway connection closed")
	ErrDuplicateToken   = errors.New("transaction already pending")
)

// Error is an error reported by the gateway itself, either as a top-level
// error reply or inside a plugin response.
type Error struct {
	Code   int
	Reason string
}

func (e *Error) Error() string {
	if e.Code == 0 {
		return "gateway: " + e.Reason
	}
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Reason)
}
