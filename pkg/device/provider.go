package device

import (
	"context"
)

// Provider supplies every protocol capability the core needs. It owns all
// transport state; the Session value is only a key into that state.
//
// Implementations must be safe for concurrent use across sessions.
type Provider interface {
	// Open connects to the target and returns an open Session.
	Open(ctx context.Context, target Target, creds Credentials) (Session, error)

	// Close releases the session's transport. Closing an unknown or
	// already-closed session returns nil.
	Close(ctx context.Context, s Session) error

	// RunQuery executes a read-only query.
	RunQuery(ctx context.Context, s Session, q Query) (*QueryResult, error)

	// StageAndInstall installs a staged artifact so it becomes active on
	// the next boot.
	StageAndInstall(ctx context.Context, s Session, artifact string) (*InstallResult, error)

	// Reboot restarts the device. The session is unusable afterwards and
	// the provider releases it.
	Reboot(ctx context.Context, s Session) error
}

// Rollbacker is implemented by providers that can abandon a pending
// install and keep the running image.
type Rollbacker interface {
	Rollback(ctx context.Context, s Session) error
}
