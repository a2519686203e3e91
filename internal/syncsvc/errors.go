package syncsvc

import "errors"

// ErrSyncFailed is surfaced once a batch has exhausted its retry budget
// without being acknowledged.
var ErrSyncFailed = errors.New("syncsvc: batch exhausted retry attempts without an ack")

// ErrConflict categorizes every conflict-related error this package
// returns. ProcessSyncMessage wraps it (alongside the more specific
// merge.ErrManualResolutionRequired) when an incoming operation collides
// with a pending local one under the Manual strategy and no resolution is
// available yet — the operation is held rather than applied or dropped.
var ErrConflict = errors.New("syncsvc: operation conflict")

// ErrNoSuchConflict is returned by ResolveConflict when the given
// operation id has no held conflict awaiting resolution.
var ErrNoSuchConflict = errors.New("syncsvc: no held conflict for operation id")
