package upgrade

import (
	"context"
	"errors"
	"fmt"

	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/session"
)

// Reason classifies why a job failed.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonUnreachable       Reason = "unreachable"
	ReasonPendingOperation  Reason = "pending-operation"
	ReasonImageMissing      Reason = "image-missing"
	ReasonInsufficientSpace Reason = "insufficient-space"
	ReasonDowngradeRejected Reason = "downgrade-rejected"
	ReasonInstallFailed     Reason = "install-failed"
	ReasonRebootFailed      Reason = "reboot-failed"
	ReasonReconnectTimeout  Reason = "reconnect-timeout"
	ReasonVerifyMismatch    Reason = "verify-mismatch"
	ReasonUnknownError      Reason = "unknown-error"
	ReasonCancelled         Reason = "cancelled"
)

var (
	// ErrDowngradeRejected is returned when the downgrade policy refuses.
	ErrDowngradeRejected = errors.New("downgrade not authorized")
	// ErrJobActive is returned when a device already has a running job.
	ErrJobActive = errors.New("upgrade already in progress for device")
	// ErrNotStarted is recorded for targets never dispatched because the batch was cancelled.
	ErrNotStarted = errors.New("job not started: batch cancelled")
)

// FailureError is the terminal error of a failed job.
type FailureError struct {
	Reason Reason
	State  State // state the job was in when it failed
	Err    error
}

func (e *FailureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s during %s", e.Reason, e.State)
	}
	return fmt.Sprintf("%s during %s: %v", e.Reason, e.State, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// MismatchError reports a post-upgrade version that differs from the target.
type MismatchError struct {
	Want string
	Got  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("device reports version %q, expected %q", e.Got, e.Want)
}

// PanicError carries a recovered panic.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Classify maps an error to a failure reason.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	var pe *PanicError
	var me *MismatchError
	var oe *session.OpenError
	switch {
	case errors.As(err, &pe):
		return ReasonUnknownError
	case errors.Is(err, context.Canceled), errors.Is(err, ErrNotStarted):
		return ReasonCancelled
	case errors.Is(err, ErrDowngradeRejected):
		return ReasonDowngradeRejected
	case errors.As(err, &me):
		return ReasonVerifyMismatch
	case errors.Is(err, precheck.ErrUnreachable), errors.As(err, &oe):
		return ReasonUnreachable
	}
	return ReasonUnknownError
}

// reasonForCheck maps a blocking precheck to its failure reason.
func reasonForCheck(check string) Reason {
	switch check {
	case precheck.CheckReachability:
		return ReasonUnreachable
	case precheck.CheckPending:
		return ReasonPendingOperation
	case precheck.CheckImage:
		return ReasonImageMissing
	case precheck.CheckDiskSpace:
		return ReasonInsufficientSpace
	}
	return ReasonUnknownError
}

// reasonForState is used when a step times out or the job deadline passes.
func reasonForState(s State) Reason {
	switch s {
	case StateProbing:
		return ReasonUnreachable
	case StateInstalling:
		return ReasonInstallFailed
	case StateRebooting:
		return ReasonRebootFailed
	case StateReconnecting:
		return ReasonReconnectTimeout
	}
	return ReasonUnknownError
}
