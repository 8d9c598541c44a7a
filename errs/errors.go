package errs

import (
	"errors"
	"fmt"
	"time"
)

// Lifecycle errors
var (
	// ErrConnectionShutdown is returned by a proxy after it has been detached
	ErrConnectionShutdown = errors.New("connection shut down")

	// ErrPoolShutdown is returned by a pool or manager after Shutdown
	ErrPoolShutdown = errors.New("connection pool shut down")
)

// Usage errors
var (
	// ErrAlreadyLeased is returned when a single-connection manager is asked
	// for a second lease
	ErrAlreadyLeased = errors.New("connection is still allocated")

	// ErrForeignConnection is returned when a handle was not obtained from
	// the manager it is handed back to
	ErrForeignConnection = errors.New("connection not obtained from this manager")

	// ErrNoTarget is returned by the planner when the target host is missing
	ErrNoTarget = errors.New("target host must not be empty")

	// ErrInvalidRoute is returned for routes that cannot be planned or served
	ErrInvalidRoute = errors.New("invalid route")

	// ErrTunnelRequired is returned when a proxied secure route has no tunneler
	ErrTunnelRequired = errors.New("route requires a proxy tunnel")

	// ErrInvalidLimits is returned for non-positive pool caps
	ErrInvalidLimits = errors.New("pool limits must be positive")
)

// Lease errors
var (
	// ErrLeaseTimeout is the target of every TimeoutError
	ErrLeaseTimeout = errors.New("timeout waiting for connection from pool")

	// ErrLeaseCanceled is returned when a pending lease was cancelled
	ErrLeaseCanceled = errors.New("lease request cancelled")
)

// UsageError reports a violation of the manager contract.
type UsageError struct {
	Op    string
	Route string
	Err   error
}

func (e *UsageError) Error() string {
	if e.Route == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Route, e.Err)
}

func (e *UsageError) Unwrap() error { return e.Err }

// Usage wraps err as a UsageError.
func Usage(op, route string, err error) error {
	return &UsageError{Op: op, Route: route, Err: err}
}

// TimeoutError carries the pool counters observed when a lease timed out,
// so callers can tell an undersized pool from a slow peer.
type TimeoutError struct {
	Route     string
	Waited    time.Duration
	Leased    int
	Available int
	Pending   int
	Max       int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v after %s [route: %s][leased: %d; pending: %d; available: %d; max: %d]",
		ErrLeaseTimeout, e.Waited, e.Route, e.Leased, e.Pending, e.Available, e.Max)
}

func (e *TimeoutError) Unwrap() error { return ErrLeaseTimeout }

// Timeout reports true so a TimeoutError satisfies net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

// IsUsage reports whether err is a contract violation.
func IsUsage(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

// IsShutdown reports whether err comes from a detached handle or a closed
// manager. Such handles must not be retried.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrConnectionShutdown) || errors.Is(err, ErrPoolShutdown)
}

// IsTimeout reports whether err is a lease timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrLeaseTimeout)
}
