// Package remote speaks to the backend: the watch and write streams,
// their reconnect state machines, and the aggregation of watch changes
// into consistent remote events.
package remote

import "fmt"

// Code is the server's status code vocabulary, mirrored locally so
// stream errors classify without a transport dependency.
type Code int32

const (
	CodeOK Code = iota
	CodeCancelled
	CodeUnknown
	CodeInvalidArgument
	CodeDeadlineExceeded
	CodeNotFound
	CodeAlreadyExists
	CodePermissionDenied
	CodeResourceExhausted
	CodeFailedPrecondition
	CodeAborted
	CodeOutOfRange
	CodeUnimplemented
	CodeInternal
	CodeUnavailable
	CodeDataLoss
	CodeUnauthenticated
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeCancelled:
		return "cancelled"
	case CodeUnknown:
		return "unknown"
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeDeadlineExceeded:
		return "deadline exceeded"
	case CodeNotFound:
		return "not found"
	case CodeAlreadyExists:
		return "already exists"
	case CodePermissionDenied:
		return "permission denied"
	case CodeResourceExhausted:
		return "resource exhausted"
	case CodeFailedPrecondition:
		return "failed precondition"
	case CodeAborted:
		return "aborted"
	case CodeOutOfRange:
		return "out of range"
	case CodeUnimplemented:
		return "unimplemented"
	case CodeInternal:
		return "internal"
	case CodeUnavailable:
		return "unavailable"
	case CodeDataLoss:
		return "data loss"
	case CodeUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("code(%d)", int32(c))
	}
}

// StatusError is a server-reported failure of a stream or a write.
type StatusError struct {
	Code    Code
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsPermanent reports whether retrying the same request can ever
// succeed. Unauthenticated is retried: the token may just have expired.
func (c Code) IsPermanent() bool {
	switch c {
	case CodeCancelled, CodeUnknown, CodeDeadlineExceeded, CodeResourceExhausted,
		CodeInternal, CodeUnavailable, CodeUnauthenticated:
		return false
	case CodeInvalidArgument, CodeNotFound, CodeAlreadyExists, CodePermissionDenied,
		CodeFailedPrecondition, CodeAborted, CodeOutOfRange, CodeUnimplemented,
		CodeDataLoss:
		return true
	default:
		return false
	}
}

// IsPermanentWriteError is IsPermanent for write batches; Aborted writes
// are retried since the commit may race a contending transaction.
func (c Code) IsPermanentWriteError() bool {
	return c.IsPermanent() && c != CodeAborted
}
