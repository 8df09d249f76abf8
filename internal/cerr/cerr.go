// Package cerr defines the engine's error-kind taxonomy (§7) as sentinel
// values, following the teacher's own idiom (internal/store/errors.go: one
// sentinel per failure mode, wrapped with fmt.Errorf("%w: ...", ...) and
// tested with errors.Is) rather than a custom error interface or codes.
package cerr

import "errors"

// Kind sentinels. Each exported engine operation wraps its underlying cause
// with the matching sentinel at the API boundary (§7's propagation policy),
// so callers can classify failures with errors.Is regardless of which
// internal package produced them.
var (
	// ErrInvalidArgument covers malformed client input: empty key, an
	// unsupported value type, a malformed range, an unknown environment.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrParse covers query-language/JSON import failures (external
	// collaborator, surfaced here only as a sentinel for uniform handling).
	ErrParse = errors.New("parse error")

	// ErrSecurity covers a missing or expired auth token.
	ErrSecurity = errors.New("security error")

	// ErrPermission covers an environment-scoped RBAC denial.
	ErrPermission = errors.New("permission denied")

	// ErrTransactionState is returned when a commit finds a conflict, or a
	// staged read observes a write newer than its snapshot (§4.9, §8
	// scenarios 3-5). Clients retry on this error.
	ErrTransactionState = errors.New("transaction state conflict")

	// errAtomicState is the internal, short-lived AtomicOperation's own
	// conflict signal (§7: "caught internally; surfaces as
	// ErrTransactionState at the tx boundary"). It is unexported: nothing
	// outside internal/txn should ever see it directly.
	errAtomicState = errors.New("atomic operation state conflict")

	// ErrSegmentLoading covers a corrupt or unreadable segment discovered
	// at startup; fatal for that environment.
	ErrSegmentLoading = errors.New("segment loading error")

	// ErrIO covers fsync/read failures on hot paths; fatal for the current
	// operation, bubbled to the caller.
	ErrIO = errors.New("io error")

	// ErrPlugin covers the plugin subsystem (external collaborator).
	ErrPlugin = errors.New("plugin error")

	// ErrAborted is returned when a read or transaction's deadline expires
	// (§5 "Cancellation/timeouts").
	ErrAborted = errors.New("operation aborted")

	// ErrClosed is returned by any operation attempted after the owning
	// Engine/Buffer/Database has been closed.
	ErrClosed = errors.New("closed")
)

// AtomicState returns the internal atomic-operation conflict sentinel
// (internal/txn's package only). It exists so internal/txn can raise the
// internal signal without exporting errAtomicState itself, matching §7's
// "internal AtomicState errors are strictly local" rule: the only public
// surface for this failure mode is [ErrTransactionState].
func AtomicState() error { return errAtomicState }

// IsAtomicState reports whether err is (or wraps) the internal atomic-state
// sentinel.
func IsAtomicState(err error) bool { return errors.Is(err, errAtomicState) }
