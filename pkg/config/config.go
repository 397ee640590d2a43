// Package config loads the newtops run configuration: the devices to act
// on, their credentials, and the upgrade, monitoring and report settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/device/sonic"
	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/routemon"
	"github.com/newtron-network/newtops/pkg/upgrade"
	"github.com/newtron-network/newtops/pkg/util"
)

// DefaultCredentialRef names the credentials used by targets without a
// credentials reference.
const DefaultCredentialRef = "default"

// Policy values accepted by upgrade.pending_policy and upgrade.downgrade.
const (
	PolicyPrompt = "prompt"
	PolicyAllow  = "allow"
	PolicyRefuse = "refuse"
)

// Config is the top-level run configuration.
type Config struct {
	Devices     []device.Target             `yaml:"devices"`
	Credentials map[string]CredentialConfig `yaml:"credentials"`
	Transport   TransportConfig             `yaml:"transport"`
	Upgrade     UpgradeConfig               `yaml:"upgrade"`
	Monitor     MonitorConfig               `yaml:"monitor"`
	Report      ReportConfig                `yaml:"report"`
	Metrics     MetricsConfig               `yaml:"metrics"`
}

// CredentialConfig is one named credential set. PasswordEnv names an
// environment variable holding the password.
type CredentialConfig struct {
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
	KeyFile     string `yaml:"key_file"`
}

// TransportConfig configures the SONiC SSH/Redis provider.
type TransportConfig struct {
	SSHPort     int           `yaml:"ssh_port"`
	RedisAddr   string        `yaml:"redis_addr"`
	KnownHosts  string        `yaml:"known_hosts"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// UpgradeConfig configures prechecks and upgrade jobs.
type UpgradeConfig struct {
	Image          string   `yaml:"image"`
	Version        string   `yaml:"version"`
	StagingDir     string   `yaml:"staging_dir"`
	Partition      string   `yaml:"partition"`
	MinFreeKB      int64    `yaml:"min_free_kb"`
	OptionalChecks []string `yaml:"optional_checks"`

	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	QueryTimeout  time.Duration `yaml:"query_timeout"`

	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	OpenTimeout       time.Duration `yaml:"open_timeout"`
	PrecheckTimeout   time.Duration `yaml:"precheck_timeout"`
	InstallTimeout    time.Duration `yaml:"install_timeout"`
	RebootTimeout     time.Duration `yaml:"reboot_timeout"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	Workers           int           `yaml:"workers"`

	PendingPolicy         string `yaml:"pending_policy"` // reboot, rollback, skip or prompt
	MaxPendingResolutions int    `yaml:"max_pending_resolutions"`
	Downgrade             string `yaml:"downgrade"` // refuse, allow or prompt
}

// MonitorConfig configures route monitoring.
type MonitorConfig struct {
	Tables    []string      `yaml:"tables"`
	Protocols []string      `yaml:"protocols"`
	Interval  time.Duration `yaml:"interval"`
	Workers   int           `yaml:"workers"`
}

// ReportConfig selects report outputs.
type ReportConfig struct {
	Dir        string `yaml:"dir"`
	JSON       bool   `yaml:"json"`
	Markdown   bool   `yaml:"markdown"`
	JUnit      bool   `yaml:"junit"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML, applies defaults and validates. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidConfig, err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	up := upgrade.DefaultConfig()
	u := &c.Upgrade
	if u.StagingDir == "" {
		u.StagingDir = precheck.DefaultStagingDir
	}
	if u.Partition == "" {
		u.Partition = precheck.DefaultPartition
	}
	if u.MinFreeKB == 0 {
		u.MinFreeKB = 4 << 20 // 4 GiB
	}
	setDuration(&u.ProbeInterval, precheck.DefaultProbeInterval)
	setDuration(&u.ProbeTimeout, precheck.DefaultProbeTimeout)
	setDuration(&u.QueryTimeout, precheck.DefaultQueryTimeout)
	setDuration(&u.ReconnectDelay, up.ReconnectDelay)
	setDuration(&u.OpenTimeout, up.OpenTimeout)
	setDuration(&u.PrecheckTimeout, up.PrecheckTimeout)
	setDuration(&u.InstallTimeout, up.InstallTimeout)
	setDuration(&u.RebootTimeout, up.RebootTimeout)
	setDuration(&u.JobTimeout, up.JobTimeout)
	if u.ReconnectAttempts == 0 {
		u.ReconnectAttempts = up.ReconnectAttempts
	}
	if u.Workers == 0 {
		u.Workers = up.Workers
	}
	if u.PendingPolicy == "" {
		u.PendingPolicy = string(upgrade.ResolveSkip)
	}
	if u.MaxPendingResolutions == 0 {
		u.MaxPendingResolutions = up.MaxPendingResolutions
	}
	if u.Downgrade == "" {
		u.Downgrade = PolicyRefuse
	}

	m := &c.Monitor
	if len(m.Tables) == 0 {
		m.Tables = []string{routemon.DefaultTable}
	}
	if len(m.Protocols) == 0 {
		m.Protocols = append([]string(nil), routemon.DefaultProtocols...)
	}
	setDuration(&m.Interval, 5*time.Minute)
	if m.Workers == 0 {
		m.Workers = up.Workers
	}

	if c.Report.Dir == "" {
		c.Report.Dir = "reports"
	}
	if c.Transport.SSHPort == 0 {
		c.Transport.SSHPort = sonic.DefaultSSHPort
	}
	if c.Transport.RedisAddr == "" {
		c.Transport.RedisAddr = sonic.DefaultRedisAddr
	}
	setDuration(&c.Transport.DialTimeout, 30*time.Second)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks the configuration without contacting any device.
func (c *Config) Validate() error {
	v := &util.ValidationBuilder{}
	if err := device.ValidateTargets(c.Devices); err != nil {
		v.AddErrorf("devices: %v", err)
	}
	for _, t := range c.Devices {
		if t.CredentialRef == "" {
			continue
		}
		if _, ok := c.Credentials[t.CredentialRef]; !ok {
			v.AddErrorf("device %s: unknown credentials %q", t, t.CredentialRef)
		}
	}
	for name, cred := range c.Credentials {
		v.Add(cred.Password == "" || cred.PasswordEnv == "",
			fmt.Sprintf("credentials %s: password and password_env are mutually exclusive", name))
	}

	u := c.Upgrade
	if u.PendingPolicy != PolicyPrompt {
		if _, err := upgrade.ParseResolution(u.PendingPolicy); err != nil {
			v.AddErrorf("upgrade.pending_policy: %v", err)
		}
	}
	switch u.Downgrade {
	case PolicyRefuse, PolicyAllow, PolicyPrompt:
	default:
		v.AddErrorf("upgrade.downgrade: %q is not one of refuse, allow, prompt", u.Downgrade)
	}
	v.Add(u.MinFreeKB > 0, "upgrade.min_free_kb must be positive")
	v.Add(u.ReconnectAttempts > 0, "upgrade.reconnect_attempts must be positive")
	v.Add(u.Workers > 0, "upgrade.workers must be positive")
	v.Add(u.MaxPendingResolutions >= 0, "upgrade.max_pending_resolutions must not be negative")
	v.Add(u.ProbeInterval <= u.ProbeTimeout, "upgrade.probe_interval must not exceed probe_timeout")
	for _, name := range u.OptionalChecks {
		switch name {
		case precheck.CheckPending, precheck.CheckImage, precheck.CheckDiskSpace:
		case precheck.CheckReachability:
			v.AddErrorf("upgrade.optional_checks: %s cannot be optional", name)
		default:
			v.AddErrorf("upgrade.optional_checks: unknown check %q", name)
		}
	}

	v.Add(c.Monitor.Interval > 0, "monitor.interval must be positive")
	v.Add(c.Monitor.Workers > 0, "monitor.workers must be positive")
	v.Add(c.Report.MaxSizeMB >= 0 && c.Report.MaxBackups >= 0, "report rotation limits must not be negative")
	return v.Build()
}

// CredentialStore resolves credential sets, reading password_env from the
// environment through getenv. The "default" set, if present, serves
// targets without a reference.
func (c *Config) CredentialStore(getenv func(string) string) (*device.StaticCredentials, error) {
	store := &device.StaticCredentials{ByRef: make(map[string]device.Credentials)}
	for name, cc := range c.Credentials {
		cred := device.Credentials{Username: cc.Username, Password: cc.Password, KeyFile: cc.KeyFile}
		if cc.PasswordEnv != "" {
			cred.Password = getenv(cc.PasswordEnv)
			if cred.Password == "" {
				return nil, fmt.Errorf("credentials %s: environment variable %s is empty: %w", name, cc.PasswordEnv, util.ErrInvalidConfig)
			}
		}
		store.ByRef[name] = cred
		if name == DefaultCredentialRef {
			store.Default = cred
		}
	}
	return store, nil
}

// PrecheckConfig returns the prechecker settings.
func (c *Config) PrecheckConfig() precheck.Config {
	u := c.Upgrade
	return precheck.Config{
		ProbeInterval: u.ProbeInterval,
		ProbeTimeout:  u.ProbeTimeout,
		QueryTimeout:  u.QueryTimeout,
		StagingDir:    u.StagingDir,
		Partition:     u.Partition,
		MinFreeKB:     u.MinFreeKB,
		Optional:      u.OptionalChecks,
	}
}

// CoordinatorConfig returns the upgrade coordinator settings.
func (c *Config) CoordinatorConfig() upgrade.Config {
	u := c.Upgrade
	return upgrade.Config{
		Workers:               u.Workers,
		ReconnectAttempts:     u.ReconnectAttempts,
		ReconnectDelay:        u.ReconnectDelay,
		OpenTimeout:           u.OpenTimeout,
		QueryTimeout:          u.QueryTimeout,
		PrecheckTimeout:       u.PrecheckTimeout,
		InstallTimeout:        u.InstallTimeout,
		RebootTimeout:         u.RebootTimeout,
		JobTimeout:            u.JobTimeout,
		MaxPendingResolutions: u.MaxPendingResolutions,
		PendingClearDelay:     u.ProbeInterval,
	}
}

// MonitorSettings returns the route monitor settings.
func (c *Config) MonitorSettings() routemon.Config {
	return routemon.Config{
		Tables:       c.Monitor.Tables,
		Protocols:    c.Monitor.Protocols,
		Workers:      c.Monitor.Workers,
		QueryTimeout: c.Upgrade.QueryTimeout,
	}
}

// ProviderOptions returns the SONiC provider settings.
func (c *Config) ProviderOptions() sonic.Options {
	return sonic.Options{
		SSHPort:     c.Transport.SSHPort,
		RedisAddr:   c.Transport.RedisAddr,
		KnownHosts:  c.Transport.KnownHosts,
		DialTimeout: c.Transport.DialTimeout,
		StagingDir:  c.Upgrade.StagingDir,
		Partition:   c.Upgrade.Partition,
	}
}
