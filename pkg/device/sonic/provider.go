// Package sonic implements device.Provider for SONiC switches. Commands
// run over SSH; routes are read from APPL_DB through an SSH port forward
// to the switch's loopback Redis.
package sonic

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/util"
)

const (
	DefaultSSHPort     = 22
	DefaultRedisAddr   = "127.0.0.1:6379"
	DefaultDialTimeout = 30 * time.Second
	DefaultStagingDir  = "/var/tmp"
	DefaultPartition   = "/host"

	versionFilePath = "/etc/sonic/sonic_version.yml"
)

// Commands issued to the switch.
const (
	installStateCmd = "sudo sonic-installer list; pgrep -f 'sonic-installer install' >/dev/null && echo " + installMarker + "; true"
	// Detached so the SSH command returns before the connection drops.
	rebootCmd = "sudo nohup sh -c 'sleep 1; reboot' >/dev/null 2>&1 &"
)

// Options configure the provider's transport.
type Options struct {
	SSHPort     int
	RedisAddr   string // Redis address as seen from the switch
	KnownHosts  string // known_hosts file; empty disables host key checks
	DialTimeout time.Duration
	StagingDir  string // default staged-images directory and install base
	Partition   string // default disk-free partition
}

func (o Options) withDefaults() Options {
	if o.SSHPort == 0 {
		o.SSHPort = DefaultSSHPort
	}
	if o.RedisAddr == "" {
		o.RedisAddr = DefaultRedisAddr
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.StagingDir == "" {
		o.StagingDir = DefaultStagingDir
	}
	if o.Partition == "" {
		o.Partition = DefaultPartition
	}
	return o
}

// conn is the transport state behind one session.
type conn struct {
	tunnel *Tunnel
	routes *RouteReader
}

func (c *conn) close() error {
	c.routes.Close()
	return c.tunnel.Close()
}

// Provider talks to SONiC switches over SSH and APPL_DB.
type Provider struct {
	opts   Options
	logger *logrus.Entry

	mu    sync.Mutex
	conns map[string]*conn
}

var (
	_ device.Provider   = (*Provider)(nil)
	_ device.Rollbacker = (*Provider)(nil)
)

// NewProvider creates a provider.
func NewProvider(opts Options) *Provider {
	return &Provider{
		opts:   opts.withDefaults(),
		logger: util.WithField("provider", "sonic"),
		conns:  make(map[string]*conn),
	}
}

func (p *Provider) clientConfig(creds device.Credentials) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if creds.KeyFile != "" {
		key, err := os.ReadFile(creds.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key %s: %w", creds.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing key %s: %w", creds.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		auth = append(auth, ssh.Password(creds.Password))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if p.opts.KnownHosts != "" {
		cb, err := knownhosts.New(p.opts.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts %s: %w", p.opts.KnownHosts, err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         p.opts.DialTimeout,
	}, nil
}

// Open dials SSH, starts the APPL_DB forward and reads the hostname.
func (p *Provider) Open(ctx context.Context, target device.Target, creds device.Credentials) (device.Session, error) {
	config, err := p.clientConfig(creds)
	if err != nil {
		return device.Session{}, err
	}
	port := target.Port
	if port == 0 {
		port = p.opts.SSHPort
	}
	addr := fmt.Sprintf("%s:%d", target.Address, port)
	log := util.WithDevice(p.logger, target.ID())
	if p.opts.KnownHosts == "" {
		log.Warnf("SSH to %s: host key verification disabled (InsecureIgnoreHostKey)", addr)
	}

	client, err := dialSSH(ctx, addr, config)
	if err != nil {
		return device.Session{}, err
	}
	tunnel, err := NewTunnel(client, p.opts.RedisAddr)
	if err != nil {
		return device.Session{}, err
	}
	c := &conn{tunnel: tunnel, routes: NewRouteReader(tunnel.LocalAddr())}

	out, err := tunnel.ExecContext(ctx, "hostname")
	if err != nil {
		c.close()
		return device.Session{}, fmt.Errorf("reading hostname: %w", err)
	}

	s := device.Session{
		ID:       uuid.NewString(),
		DeviceID: target.ID(),
		Address:  target.Address,
		Hostname: strings.TrimSpace(out),
		Status:   device.StatusOpen,
		OpenedAt: time.Now(),
	}
	p.mu.Lock()
	p.conns[s.ID] = c
	p.mu.Unlock()

	log.Debugf("Connected to %s via %s (APPL_DB forward %s)", s.Hostname, addr, tunnel.LocalAddr())
	return s, nil
}

func (p *Provider) lookup(s device.Session) (*conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[s.ID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", s.DisplayName(), util.ErrNotConnected)
	}
	return c, nil
}

// release forgets the session and closes its transport.
func (p *Provider) release(id string) error {
	p.mu.Lock()
	c, ok := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return c.close()
}

// Close releases the session's transport.
func (p *Provider) Close(_ context.Context, s device.Session) error {
	return p.release(s.ID)
}

// RunQuery executes a read-only query.
func (p *Provider) RunQuery(ctx context.Context, s device.Session, q device.Query) (*device.QueryResult, error) {
	c, err := p.lookup(s)
	if err != nil {
		return nil, err
	}

	switch q.Name {
	case device.QueryLiveness:
		out, err := c.tunnel.ExecContext(ctx, "uptime")
		if err != nil {
			return nil, err
		}
		return &device.QueryResult{Raw: out, Values: map[string]string{device.ValueHostname: s.Hostname}}, nil

	case device.QueryVersion:
		out, err := c.tunnel.ExecContext(ctx, "cat "+versionFilePath)
		if err != nil {
			return nil, err
		}
		v, err := parseVersion(out)
		if err != nil {
			return nil, err
		}
		return &device.QueryResult{Raw: out, Values: map[string]string{device.ValueVersion: v}}, nil

	case device.QueryInstallState:
		out, st, err := p.installState(ctx, c)
		if err != nil {
			return nil, err
		}
		return &device.QueryResult{Raw: out, Values: st.values(), Lines: st.Available}, nil

	case device.QueryStagedImages:
		dir := q.Arg(device.ArgDirectory)
		if dir == "" {
			dir = p.opts.StagingDir
		}
		out, err := c.tunnel.ExecContext(ctx, "ls -1 "+shellQuote(dir))
		if err != nil {
			return nil, err
		}
		return &device.QueryResult{Raw: out, Lines: nonEmptyLines(out)}, nil

	case device.QueryDiskFree:
		part := q.Arg(device.ArgPartition)
		if part == "" {
			part = p.opts.Partition
		}
		out, err := c.tunnel.ExecContext(ctx, "df -Pk "+shellQuote(part))
		if err != nil {
			return nil, err
		}
		kb, err := parseDiskFree(out)
		if err != nil {
			return nil, err
		}
		return &device.QueryResult{Raw: out, Values: map[string]string{device.ValueAvailableKB: fmt.Sprint(kb)}}, nil

	case device.QueryRoutes:
		routes, err := c.routes.Routes(ctx, q.Arg(device.ArgTable))
		if err != nil {
			return nil, err
		}
		return &device.QueryResult{Routes: filterProtocols(routes, q.Arg(device.ArgProtocols))}, nil
	}
	return nil, fmt.Errorf("query %q: %w", q.Name, util.ErrUnsupported)
}

func (p *Provider) installState(ctx context.Context, c *conn) (string, *installState, error) {
	out, err := c.tunnel.ExecContext(ctx, installStateCmd)
	if err != nil {
		return out, nil, err
	}
	st, err := parseInstallerList(out)
	return out, st, err
}

// StageAndInstall installs artifact with sonic-installer. Relative paths
// resolve against the staging directory.
func (p *Provider) StageAndInstall(ctx context.Context, s device.Session, artifact string) (*device.InstallResult, error) {
	c, err := p.lookup(s)
	if err != nil {
		return nil, err
	}
	if !path.IsAbs(artifact) {
		artifact = path.Join(p.opts.StagingDir, artifact)
	}
	out, err := c.tunnel.ExecContext(ctx, "sudo sonic-installer install -y "+shellQuote(artifact))
	if err != nil {
		return &device.InstallResult{Output: out}, err
	}
	_, st, err := p.installState(ctx, c)
	if err != nil {
		return &device.InstallResult{Output: out}, fmt.Errorf("confirming install: %w", err)
	}
	return &device.InstallResult{Image: st.Next, Output: out}, nil
}

// Reboot schedules a reboot and releases the session.
func (p *Provider) Reboot(ctx context.Context, s device.Session) error {
	c, err := p.lookup(s)
	if err != nil {
		return err
	}
	if _, err := c.tunnel.ExecContext(ctx, rebootCmd); err != nil && !connectionDropped(err) {
		return err
	}
	return p.release(s.ID)
}

// Rollback points the next boot back at the running image.
func (p *Provider) Rollback(ctx context.Context, s device.Session) error {
	c, err := p.lookup(s)
	if err != nil {
		return err
	}
	_, st, err := p.installState(ctx, c)
	if err != nil {
		return err
	}
	if st.Next == "" || st.Next == st.Current {
		return nil
	}
	_, err = c.tunnel.ExecContext(ctx, "sudo sonic-installer set-next-boot "+shellQuote(st.Current))
	return err
}

// filterProtocols keeps routes whose protocol is in the comma-separated
// list; an empty list keeps everything.
func filterProtocols(routes []device.RouteEntry, protocols string) []device.RouteEntry {
	want := util.SplitCommaSeparated(strings.ToLower(protocols))
	if len(want) == 0 {
		return routes
	}
	keep := make(map[string]bool, len(want))
	for _, p := range want {
		keep[p] = true
	}
	out := routes[:0]
	for _, r := range routes {
		if keep[r.Protocol] {
			out = append(out, r)
		}
	}
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
