package sonic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Tunnel forwards a local TCP port to an address inside the SSH host.
// SONiC's Redis listens on loopback with no authentication, so the
// provider reaches APPL_DB through one of these per session.
type Tunnel struct {
	localAddr  string // "127.0.0.1:<port>"
	remoteAddr string
	client     *ssh.Client
	listener   net.Listener
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// dialSSH connects to addr honouring ctx for the TCP dial and handshake.
func dialSSH(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s@%s: %w", config.User, addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("SSH handshake %s@%s: %w", config.User, addr, err)
	}
	_ = nc.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// NewTunnel opens a local listener on a random port whose connections are
// forwarded to remote inside the SSH host. The tunnel owns client.
func NewTunnel(client *ssh.Client, remote string) (*Tunnel, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("local listen: %w", err)
	}

	t := &Tunnel{
		localAddr:  listener.Addr().String(),
		remoteAddr: remote,
		client:     client,
		listener:   listener,
		done:       make(chan struct{}),
	}

	t.wg.Add(1)
	go t.acceptLoop()

	return t, nil
}

// LocalAddr returns the local end of the forward.
func (t *Tunnel) LocalAddr() string {
	return t.localAddr
}

// Close stops the listener, closes the SSH connection, and waits for
// all forwarding goroutines to finish. Safe to call more than once.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.listener.Close()
		// Closing the client tears down forwarded channels, unblocking io.Copy.
		t.client.Close()
		t.wg.Wait()
	})
	return nil
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer local.Close()

	remote, err := t.client.Dial("tcp", t.remoteAddr)
	if err != nil {
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
}

// ExecContext runs cmd on the device and returns its combined output. On
// context expiry the remote command is killed and ctx.Err() is wrapped.
func (t *Tunnel) ExecContext(ctx context.Context, cmd string) (string, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("SSH session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	if err := session.Start(cmd); err != nil {
		return "", fmt.Errorf("SSH start '%s': %w", cmd, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return out.String(), fmt.Errorf("SSH exec '%s': %w", cmd, ctx.Err())
	case err := <-done:
		if err != nil {
			return out.String(), fmt.Errorf("SSH exec '%s': %w", cmd, err)
		}
		return out.String(), nil
	}
}

// connectionDropped reports whether err is the remote side going away
// mid-command, which is what a successful reboot looks like.
func connectionDropped(err error) bool {
	var missing *ssh.ExitMissingError
	return errors.As(err, &missing) || errors.Is(err, io.EOF)
}
