// Package errs holds the error taxonomy shared by the pool, the connection
// managers and the adapter.
//
// Three kinds of failure reach callers:
//
//   - usage errors: the caller broke the API contract (foreign handle,
//     second lease on a single-connection manager, missing target host)
//   - shutdown errors: the handle was detached or the manager was shut down
//   - timeout errors: a lease request waited past its deadline
//
// Transport errors from connect and upgrade are never wrapped here; they are
// returned exactly as the operator produced them.
package errs
