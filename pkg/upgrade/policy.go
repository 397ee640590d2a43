package upgrade

import (
	"context"
	"fmt"
	"strings"

	"github.com/newtron-network/newtops/pkg/precheck"
)

// Resolution is the decision taken for a pending software operation.
type Resolution string

const (
	ResolveRebootToClear Resolution = "reboot"
	ResolveRollback      Resolution = "rollback"
	ResolveSkip          Resolution = "skip"
)

// ParseResolution parses a configured resolution name.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(strings.ToLower(strings.TrimSpace(s))) {
	case ResolveRebootToClear:
		return ResolveRebootToClear, nil
	case ResolveRollback:
		return ResolveRollback, nil
	case ResolveSkip, "":
		return ResolveSkip, nil
	}
	return "", fmt.Errorf("unknown pending-operation policy %q (want reboot, rollback or skip)", s)
}

// PendingResolver decides how to handle a pending operation found during
// precheck.
type PendingResolver interface {
	ResolvePending(ctx context.Context, deviceID string, p *precheck.Pending) (Resolution, error)
}

// DowngradeAuthorizer decides whether a device may move to an older version.
type DowngradeAuthorizer interface {
	AuthorizeDowngrade(ctx context.Context, deviceID, current, target string) (bool, error)
}

// PendingResolverFunc adapts a function to PendingResolver.
type PendingResolverFunc func(ctx context.Context, deviceID string, p *precheck.Pending) (Resolution, error)

// ResolvePending calls f.
func (f PendingResolverFunc) ResolvePending(ctx context.Context, deviceID string, p *precheck.Pending) (Resolution, error) {
	return f(ctx, deviceID, p)
}

// DowngradeAuthorizerFunc adapts a function to DowngradeAuthorizer.
type DowngradeAuthorizerFunc func(ctx context.Context, deviceID, current, target string) (bool, error)

// AuthorizeDowngrade calls f.
func (f DowngradeAuthorizerFunc) AuthorizeDowngrade(ctx context.Context, deviceID, current, target string) (bool, error) {
	return f(ctx, deviceID, current, target)
}

// StaticResolver always returns r. Used in non-interactive runs.
func StaticResolver(r Resolution) PendingResolver {
	return PendingResolverFunc(func(context.Context, string, *precheck.Pending) (Resolution, error) {
		return r, nil
	})
}

// AllowDowngrade returns an authorizer with a fixed answer.
func AllowDowngrade(allow bool) DowngradeAuthorizer {
	return DowngradeAuthorizerFunc(func(context.Context, string, string, string) (bool, error) {
		return allow, nil
	})
}
