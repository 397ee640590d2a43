// Package device defines the device model shared by the session manager,
// prechecker, upgrade coordinator and route monitor, and the Provider
// contract through which all protocol access to a device flows.
package device

import (
	"fmt"
	"strings"

	"github.com/newtron-network/newtops/pkg/util"
)

// Target identifies one managed device in a batch.
type Target struct {
	Address       string `yaml:"address" json:"address"`
	Name          string `yaml:"name,omitempty" json:"name,omitempty"`                   // known hostname, optional
	CredentialRef string `yaml:"credentials,omitempty" json:"credential_ref,omitempty"` // key into a CredentialStore
	Port          int    `yaml:"port,omitempty" json:"port,omitempty"`                   // management port, provider default when 0
}

// ID returns the identifier used for logging and reporting: the known name
// when set, otherwise the address.
func (t Target) ID() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Address
}

func (t Target) String() string {
	if t.Name != "" && t.Name != t.Address {
		return fmt.Sprintf("%s (%s)", t.Name, t.Address)
	}
	return t.Address
}

// ValidateTargets checks that every target has an address and that
// addresses and IDs are unique within the batch. Sessions, snapshots and
// reports are keyed by ID, so a name shared by two targets, or a name equal
// to another target's address, is rejected.
func ValidateTargets(targets []Target) error {
	addrs := make(map[string]int, len(targets))
	ids := make(map[string]int, len(targets))
	v := &util.ValidationBuilder{}
	for i, t := range targets {
		addr := strings.TrimSpace(t.Address)
		if addr == "" {
			v.AddErrorf("target %d has no address", i)
			continue
		}
		if j, ok := addrs[addr]; ok {
			v.AddErrorf("%v: address %s used by targets %d and %d", util.ErrDuplicateTarget, addr, j, i)
			continue
		}
		addrs[addr] = i

		id := strings.TrimSpace(t.Name)
		if id == "" {
			id = addr
		}
		if j, ok := ids[id]; ok {
			v.AddErrorf("%v: device id %s used by targets %d and %d", util.ErrDuplicateTarget, id, j, i)
			continue
		}
		ids[id] = i
	}
	return v.Build()
}

// Credentials authenticate a management session.
type Credentials struct {
	Username string
	Password string
	KeyFile  string // private key path, used in preference to Password when set
}

// CredentialStore resolves a target's credential reference.
type CredentialStore interface {
	Lookup(ref string) (Credentials, error)
}

// StaticCredentials is a CredentialStore backed by a map. The empty
// reference resolves to Default.
type StaticCredentials struct {
	Default Credentials
	ByRef   map[string]Credentials
}

// Lookup returns the credentials for ref.
func (s *StaticCredentials) Lookup(ref string) (Credentials, error) {
	if ref == "" {
		return s.Default, nil
	}
	c, ok := s.ByRef[ref]
	if !ok {
		return Credentials{}, fmt.Errorf("credentials %q: %w", ref, util.ErrNotFound)
	}
	return c, nil
}

// SingleCredentials returns a store that resolves every reference to c.
func SingleCredentials(c Credentials) CredentialStore {
	return singleStore(c)
}

type singleStore Credentials

func (s singleStore) Lookup(string) (Credentials, error) { return Credentials(s), nil }
