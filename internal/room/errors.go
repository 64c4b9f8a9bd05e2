package room

import (
	"context"
	"errors"

	"quickconnect/server/internal/gateway"
	"quickconnect/server/internal/matchmaker"
	"quickconnect/server/internal/sfu"
	"quickconnect/server/internal/store"
)

var (
	ErrNotInRoom      = errors.New("participant is not in that room")
	ErrBadDescription = errors.New("bad session description")
	ErrUnreachable    = errors.New("participant unreachable")
)

// Error kinds carried by the browser "error" event.
const (
	KindTimeout          = "timeout"
	KindGateway          = "gateway"
	KindNotReady         = "not-ready"
	KindStore            = "store"
	KindConnectionClosed = "connection-closed"
	KindBadRequest       = "bad-request"
	KindInternal         = "internal"
)

// ErrorKind classifies err for the browser.
func ErrorKind(err error) string {
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, gateway.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &gwErr):
		return KindGateway
	case errors.Is(err, sfu.ErrNotReady), errors.Is(err, gateway.ErrNotReady):
		return KindNotReady
	case errors.Is(err, gateway.ErrConnectionClosed):
		return KindConnectionClosed
	case errors.Is(err, store.ErrUnavailable):
		return KindStore
	case errors.Is(err, ErrNotInRoom),
		errors.Is(err, ErrBadDescription),
		errors.Is(err, matchmaker.ErrAlreadyInRoom):
		return KindBadRequest
	}
	return KindInternal
}
