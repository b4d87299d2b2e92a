// Package rerror implements the core's error taxonomy: which failures
// abort, which stay local, and which surface to a download, a peer
// connection, or the user. See spec §7.
package rerror

import "fmt"

// Internal signals an invariant violation. Callers must not try to
// recover from it; the expected handling is to log, dump state, and
// abort the owning component.
type Internal struct {
	Op  string
	Err error
}

func (e *Internal) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal error in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("internal error in %s", e.Op)
}

func (e *Internal) Unwrap() error { return e.Err }

func NewInternal(op string, err error) *Internal {
	return &Internal{Op: op, Err: err}
}

// Storage wraps a filesystem failure (ENOSPC, EIO, a failed msync).
// It carries the raw errno when one is available so upper layers can
// log a precise diagnostic. internal/torrent only logs a Storage error
// from a block write or from the chunk list: the affected piece is not
// marked uncompleted and the download is not stopped.
type Storage struct {
	Op    string
	Errno error
	Err   error
}

func (e *Storage) Error() string {
	if e.Errno != nil {
		return fmt.Sprintf("storage error in %s: %v (errno %v)", e.Op, e.Err, e.Errno)
	}
	return fmt.Sprintf("storage error in %s: %v", e.Op, e.Err)
}

func (e *Storage) Unwrap() error { return e.Err }

func NewStorage(op string, errno, err error) *Storage {
	return &Storage{Op: op, Errno: errno, Err: err}
}

// Communication signals the peer violated the wire protocol (bad
// piece length, bad handshake hash). The connection must be dropped
// and its in-flight transfers released; storage is unaffected.
type Communication struct {
	Peer string
	Err  error
}

func (e *Communication) Error() string {
	return fmt.Sprintf("communication error from %s: %v", e.Peer, e.Err)
}

func (e *Communication) Unwrap() error { return e.Err }

func NewCommunication(peer string, err error) *Communication {
	return &Communication{Peer: peer, Err: err}
}

// Resource is returned by a non-blocking call that cannot proceed
// right now (e_again, e_nomem equivalents). It must never propagate
// past the immediate caller — the caller is expected to retry or back
// off.
type Resource struct {
	Op  string
	Err error
}

func (e *Resource) Error() string {
	return fmt.Sprintf("resource unavailable in %s: %v", e.Op, e.Err)
}

func (e *Resource) Unwrap() error { return e.Err }

var (
	ErrAgain = &Resource{Op: "get", Err: fmt.Errorf("would block")}
	ErrNoMem = &Resource{Op: "reserve", Err: fmt.Errorf("memory ceiling reached")}
)

// Input signals malformed metainfo or CLI arguments. During startup
// it is fatal; at any other time, the offending operation is rejected
// and the process keeps running.
type Input struct {
	Field string
	Value any
	Err   error
}

func (e *Input) Error() string {
	return fmt.Sprintf("invalid %s (%v): %v", e.Field, e.Value, e.Err)
}

func (e *Input) Unwrap() error { return e.Err }

func NewInput(field string, value any, err error) *Input {
	return &Input{Field: field, Value: value, Err: err}
}

// ErrShutdown is the cooperative signal a worker returns from its main
// loop during teardown; it is never logged as a failure.
var ErrShutdown = fmt.Errorf("shutdown requested")
