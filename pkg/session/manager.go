// Package session owns every open device session. Other packages receive
// immutable device.Session values and route all device access through the
// Manager's provider, so cleanup is centralised here.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/metrics"
	"github.com/newtron-network/newtops/pkg/util"
)

// DefaultParallel bounds concurrent opens in a batch.
const DefaultParallel = 8

// ErrSessionExists is returned when a target already has a live session.
var ErrSessionExists = errors.New("session already open for target")

// OpenError records a failed open for one target.
type OpenError struct {
	Target device.Target
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Target, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// OpenResult is the outcome of a batch open. Sessions and Failures are in
// target order.
type OpenResult struct {
	Sessions []device.Session
	Failures []*OpenError
}

// Session returns the open session for address, if any.
func (r *OpenResult) Session(address string) (device.Session, bool) {
	for _, s := range r.Sessions {
		if s.Address == address {
			return s, true
		}
	}
	return device.Session{}, false
}

// Manager opens and closes sessions through a Provider and keeps a
// registry holding at most one live session per target address.
type Manager struct {
	provider device.Provider
	logger   *logrus.Entry
	parallel int

	mu   sync.Mutex
	live map[string]device.Session // address -> session
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the log entry used for session events.
func WithLogger(l *logrus.Entry) Option {
	return func(m *Manager) { m.logger = l }
}

// WithParallel bounds concurrent opens in Open.
func WithParallel(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.parallel = n
		}
	}
}

// NewManager creates a Manager for p.
func NewManager(p device.Provider, opts ...Option) *Manager {
	m := &Manager{
		provider: p,
		parallel: DefaultParallel,
		live:     make(map[string]device.Session),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = util.Entry(m.logger).WithField("component", "session")
	return m
}

// Provider returns the provider sessions are opened through.
func (m *Manager) Provider() device.Provider {
	return m.provider
}

// Open opens a session for every target. A failure for one target is
// recorded in the result and never prevents the others from opening.
func (m *Manager) Open(ctx context.Context, targets []device.Target, creds device.CredentialStore) *OpenResult {
	sessions := make([]*device.Session, len(targets))
	failures := make([]*OpenError, len(targets))

	var g errgroup.Group
	g.SetLimit(m.parallel)
	for i, t := range targets {
		g.Go(func() error {
			c, err := creds.Lookup(t.CredentialRef)
			if err != nil {
				failures[i] = &OpenError{Target: t, Err: err}
				util.WithDevice(m.logger, t.ID()).Warnf("Skipping %s: %v", t, err)
				return nil
			}
			s, err := m.OpenOne(ctx, t, c)
			if err != nil {
				failures[i] = &OpenError{Target: t, Err: err}
				return nil
			}
			sessions[i] = &s
			return nil
		})
	}
	g.Wait()

	res := &OpenResult{}
	for i := range targets {
		if sessions[i] != nil {
			res.Sessions = append(res.Sessions, *sessions[i])
		}
		if failures[i] != nil {
			res.Failures = append(res.Failures, failures[i])
		}
	}
	m.logger.Infof("Opened %d of %d sessions", len(res.Sessions), len(targets))
	return res
}

// OpenOne opens a session for a single target.
func (m *Manager) OpenOne(ctx context.Context, t device.Target, creds device.Credentials) (device.Session, error) {
	log := util.WithDevice(m.logger, t.ID())

	// Reserve the address so concurrent opens for the same target cannot
	// both reach the provider.
	m.mu.Lock()
	if _, ok := m.live[t.Address]; ok {
		m.mu.Unlock()
		return device.Session{}, fmt.Errorf("%s: %w", t, ErrSessionExists)
	}
	m.live[t.Address] = device.Session{Address: t.Address, DeviceID: t.ID()}
	m.mu.Unlock()

	start := time.Now()
	s, err := m.provider.Open(ctx, t, creds)
	metrics.RecordSessionOpen(err, time.Since(start))

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.live, t.Address)
		log.Warnf("Failed to connect to %s: %v", t, err)
		return device.Session{}, err
	}
	m.live[t.Address] = s
	metrics.SetSessionsLive(len(m.live))
	log.WithField("session", s.ID).Debugf("Connected to %s", t)
	return s, nil
}

// Reopen releases s (ignoring errors) and opens a new session for the
// same target. Used after a reboot drops the old connection.
func (m *Manager) Reopen(ctx context.Context, s device.Session, t device.Target, creds device.Credentials) (device.Session, error) {
	m.Close(ctx, s)
	return m.OpenOne(ctx, t, creds)
}

// Release forgets s without calling the provider. Used when the provider
// has already dropped the session, for example after a reboot.
func (m *Manager) Release(s device.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.live[s.Address]; ok && cur.ID == s.ID {
		delete(m.live, s.Address)
		metrics.SetSessionsLive(len(m.live))
	}
}

// Close closes each session. It is idempotent: sessions that are not
// registered are skipped. Provider errors are logged and never returned.
func (m *Manager) Close(ctx context.Context, sessions ...device.Session) {
	for _, s := range sessions {
		m.mu.Lock()
		cur, ok := m.live[s.Address]
		if !ok || cur.ID != s.ID || s.ID == "" {
			m.mu.Unlock()
			continue
		}
		delete(m.live, s.Address)
		metrics.SetSessionsLive(len(m.live))
		m.mu.Unlock()

		// Close must run even when the caller's context is already cancelled.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		err := m.provider.Close(closeCtx, s)
		cancel()

		log := util.WithDevice(m.logger, s.DeviceID).WithField("session", s.ID)
		if err != nil {
			log.Warnf("Error closing session: %v", err)
			continue
		}
		log.Debug("Session closed")
	}
}

// CloseAll closes every registered session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.Close(ctx, m.Live()...)
}

// Live returns the registered sessions sorted by address.
func (m *Manager) Live() []device.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]device.Session, 0, len(m.live))
	for _, s := range m.live {
		if s.ID != "" {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
