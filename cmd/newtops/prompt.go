package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/newtron-network/newtops/pkg/cli"
	"github.com/newtron-network/newtops/pkg/config"
	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/upgrade"
)

// stdin is shared by every prompt so buffered input is never lost.
var stdin = bufio.NewReader(os.Stdin)

// stdinIsTerminal reports whether interactive prompts are possible.
func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// terminalPrompt asks the operator to decide pending operations and
// downgrades. Workers share one terminal, so questions are serialised.
type terminalPrompt struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newTerminalPrompt() *terminalPrompt {
	return &terminalPrompt{in: stdin, out: os.Stderr}
}

var (
	_ upgrade.PendingResolver     = (*terminalPrompt)(nil)
	_ upgrade.DowngradeAuthorizer = (*terminalPrompt)(nil)
)

// ask prints question and reads one answer. An empty answer selects def.
func (p *terminalPrompt) ask(ctx context.Context, question, def string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading answer: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

// ResolvePending asks how to handle a pending software operation.
func (p *terminalPrompt) ResolvePending(ctx context.Context, deviceID string, pend *precheck.Pending) (upgrade.Resolution, error) {
	q := fmt.Sprintf("%s %s: %s. Resolve with reboot, rollback or skip?", cli.Yellow("!"), deviceID, pend)
	for {
		answer, err := p.ask(ctx, q, string(upgrade.ResolveSkip))
		if err != nil {
			return "", err
		}
		r, err := upgrade.ParseResolution(answer)
		if err == nil {
			return r, nil
		}
		fmt.Fprintln(p.out, err)
	}
}

// AuthorizeDowngrade asks before moving a device to an older version.
func (p *terminalPrompt) AuthorizeDowngrade(ctx context.Context, deviceID, current, target string) (bool, error) {
	q := fmt.Sprintf("%s %s runs %s; downgrade to %s? (y/n)", cli.Yellow("!"), deviceID, current, target)
	answer, err := p.ask(ctx, q, "n")
	if err != nil {
		return false, err
	}
	return answer == "y" || answer == "yes", nil
}

// pendingResolver maps the pending policy (config or --pending-policy) to
// a resolver. "prompt" needs a terminal and falls back to skip without one.
func pendingResolver(policy string, prompt *terminalPrompt) (upgrade.PendingResolver, error) {
	if policy == config.PolicyPrompt {
		if prompt != nil {
			return prompt, nil
		}
		return upgrade.StaticResolver(upgrade.ResolveSkip), nil
	}
	r, err := upgrade.ParseResolution(policy)
	if err != nil {
		return nil, err
	}
	return upgrade.StaticResolver(r), nil
}

// downgradeAuthorizer maps the downgrade policy to an authorizer.
// --yes-downgrade always allows.
func downgradeAuthorizer(policy string, yes bool, prompt *terminalPrompt) upgrade.DowngradeAuthorizer {
	switch {
	case yes || policy == config.PolicyAllow:
		return upgrade.AllowDowngrade(true)
	case policy == config.PolicyPrompt && prompt != nil:
		return prompt
	}
	return upgrade.AllowDowngrade(false)
}

// resolveCredentials builds the credential store, prompting on the
// terminal for passwords that are neither configured nor backed by a key.
// With no credentials configured at all, a default username and password
// are asked for.
func resolveCredentials(cfg *config.Config) (device.CredentialStore, error) {
	store, err := cfg.CredentialStore(os.Getenv)
	if err != nil {
		return nil, err
	}
	if !stdinIsTerminal() {
		return store, nil
	}

	if len(store.ByRef) == 0 {
		user, err := promptLine("Username: ")
		if err != nil {
			return nil, err
		}
		pass, err := promptPassword(fmt.Sprintf("Password for %s: ", user))
		if err != nil {
			return nil, err
		}
		store.Default = device.Credentials{Username: user, Password: pass}
		return store, nil
	}

	for ref, c := range store.ByRef {
		if c.Password != "" || c.KeyFile != "" {
			continue
		}
		pass, err := promptPassword(fmt.Sprintf("Password for %s (credentials %s): ", c.Username, ref))
		if err != nil {
			return nil, err
		}
		c.Password = pass
		store.ByRef[ref] = c
		if ref == config.DefaultCredentialRef {
			store.Default = c
		}
	}
	return store, nil
}

func promptLine(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading %s: %w", strings.TrimSuffix(label, ": "), err)
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}
