package remote

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a failed remote operation
type Kind int

const (
	// KindUnreachable - the endpoint could not be contacted (transport failure)
	KindUnreachable Kind = iota + 1
	// KindTimeout - the operation did not finish before its deadline
	KindTimeout
	// KindRemoteFault - the mesh member rejected the operation
	KindRemoteFault
	// KindInvalidRequest - the operation failed validation and was never sent
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindRemoteFault:
		return "remote_fault"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by executors for every failed operation
type Error struct {
	Kind     Kind
	Endpoint string // redacted endpoint label, see Endpoint()
	Op       string
	Code     string // SQLSTATE for remote faults
	Message  string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRemoteFault:
		return fmt.Sprintf("%s on %s: remote fault %s: %s", e.Op, e.Endpoint, e.Code, e.Message)
	case KindTimeout:
		return fmt.Sprintf("%s on %s: timed out: %v", e.Op, e.Endpoint, e.Err)
	case KindInvalidRequest:
		return fmt.Sprintf("%s on %s: invalid request: %v", e.Op, e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("%s on %s: unreachable: %v", e.Op, e.Endpoint, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries a remote error of the given kind
func IsKind(err error, kind Kind) bool {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind == kind
	}
	return false
}

// Fault builds a remote fault. Executors other than PgxExecutor (simulations,
// tests) use it to report rejections the same way a real node would.
func Fault(op, endpoint, code, message string) *Error {
	return &Error{
		Kind:     KindRemoteFault,
		Endpoint: endpoint,
		Op:       op,
		Code:     code,
		Message:  message,
	}
}

// InvalidRequest reports an operation whose parameters failed validation
func InvalidRequest(op, endpoint string, err error) *Error {
	return &Error{Kind: KindInvalidRequest, Endpoint: endpoint, Op: op, Err: err}
}

// classify maps a pgx/network error onto the remote error taxonomy
func classify(op, endpoint string, err error) error {
	if err == nil {
		return nil
	}

	var rerr *Error
	if errors.As(err, &rerr) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57014 query_canceled is what statement_timeout raises
		if pgErr.Code == "57014" {
			return &Error{Kind: KindTimeout, Endpoint: endpoint, Op: op, Code: pgErr.Code, Message: pgErr.Message, Err: err}
		}
		return &Error{Kind: KindRemoteFault, Endpoint: endpoint, Op: op, Code: pgErr.Code, Message: pgErr.Message, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return &Error{Kind: KindTimeout, Endpoint: endpoint, Op: op, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Endpoint: endpoint, Op: op, Err: err}
	}

	return &Error{Kind: KindUnreachable, Endpoint: endpoint, Op: op, Err: err}
}
