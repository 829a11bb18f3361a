package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/opd-ai/rlpxping/devp2p"
	"github.com/opd-ai/rlpxping/enode"
	"github.com/opd-ai/rlpxping/rlpx"
)

// ErrTimeout indicates a connect, handshake or greeting deadline was
// exceeded. It is kept distinct from plain I/O failure so operators can tell
// "peer unreachable" from "peer silent".
var ErrTimeout = errors.New("operation timed out")

// Error carries the session step and peer endpoint alongside the cause.
type Error struct {
	Op   string // session step that failed
	Addr string // peer endpoint
	Err  error
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("session %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind is the error classification surfaced to callers and mapped to exit
// codes by the CLI.
type Kind int

const (
	KindNone Kind = iota
	KindInput
	KindTimeout
	KindHandshake
	KindProtocol
	KindTransport
)

var kindText = map[Kind]string{
	KindNone:      "ok",
	KindInput:     "input",
	KindTimeout:   "timeout",
	KindHandshake: "handshake",
	KindProtocol:  "protocol",
	KindTransport: "transport",
}

// String returns the classification label.
func (k Kind) String() string {
	if s, ok := kindText[k]; ok {
		return s
	}
	return "unknown"
}

// Classify maps an error from any layer onto the failure taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, enode.ErrInvalidRecord):
		return KindInput
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, rlpx.ErrAuthentication), errors.Is(err, rlpx.ErrBadHandshake):
		return KindHandshake
	case errors.Is(err, rlpx.ErrMACMismatch), errors.Is(err, rlpx.ErrFrameTooLarge),
		errors.Is(err, devp2p.ErrDecode):
		return KindProtocol
	default:
		return KindTransport
	}
}

// isTimeout reports whether err stems from an expired deadline.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
