// Package config loads the YAML description of a benchmark matrix.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/m-lab/vpnbench/internal/remote"
	"github.com/m-lab/vpnbench/internal/retry"
	"github.com/m-lab/vpnbench/pkg/model"
	"gopkg.in/yaml.v2"
)

// Defaults applied to unset fields.
const (
	DefaultResultsDir      = "bench_results"
	DefaultTCStabilization = 5 * time.Second
	DefaultParallelism     = 8
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Retry configures the retry policies of remote operations. Unset fields
// take the values of retry.Default; max_retries: 0 disables retries.
type Retry struct {
	MaxRetries   *int          `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// Policy returns the retry policy called name.
func (r Retry) Policy(name string) retry.Policy {
	return retry.Policy{
		Name:         name,
		MaxRetries:   r.Retries(),
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
	}
}

// Retries returns the configured number of retries, or the default.
func (r Retry) Retries() int {
	if r.MaxRetries == nil {
		return retry.Default("").MaxRetries
	}
	return *r.MaxRetries
}

// SSH configures the transport to the machines.
type SSH struct {
	User         string        `yaml:"user"`
	Port         int           `yaml:"port"`
	IdentityFile string        `yaml:"identity_file"`
	Options      []string      `yaml:"options"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Runner returns the ssh runner described by s.
func (s SSH) Runner() *remote.SSH {
	return &remote.SSH{
		User:         s.User,
		Port:         s.Port,
		IdentityFile: s.IdentityFile,
		Options:      s.Options,
		Timeout:      s.Timeout,
	}
}

// Config is a benchmark matrix.
type Config struct {
	ResultsDir string           `yaml:"results_dir"`
	VPNs       []model.VPN      `yaml:"vpns"`
	Profiles   []string         `yaml:"profiles"`
	Tests      []model.TestKind `yaml:"tests"`
	Machines   []string         `yaml:"machines"`
	// CustomProfiles are available to Profiles next to the built-in ones.
	CustomProfiles []model.NetworkProfile `yaml:"custom_profiles"`

	// TCStabilization is the pause after applying a profile.
	TCStabilization time.Duration `yaml:"tc_stabilization"`
	// Parallelism bounds concurrent traffic-control operations.
	Parallelism int `yaml:"parallelism"`
	// Sudo runs tc, systemctl and journalctl through sudo.
	Sudo bool `yaml:"sudo"`
	// Commands maps a test to the command printing its data object.
	Commands map[model.TestKind][]string `yaml:"commands"`

	Retry Retry `yaml:"retry"`
	SSH   SSH   `yaml:"ssh"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes data, applies defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, err
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.ResultsDir == "" {
		c.ResultsDir = DefaultResultsDir
	}
	if len(c.VPNs) == 0 {
		c.VPNs = model.VPNs()
	}
	if len(c.Profiles) == 0 {
		for _, p := range model.DefaultProfiles() {
			c.Profiles = append(c.Profiles, p.Alias)
		}
	}
	if len(c.Tests) == 0 {
		c.Tests = model.TestKinds()
	}
	if c.TCStabilization == 0 {
		c.TCStabilization = DefaultTCStabilization
	}
	if c.Parallelism == 0 {
		c.Parallelism = DefaultParallelism
	}
	def := retry.Default("")
	if c.Retry.MaxRetries == nil {
		n := def.MaxRetries
		c.Retry.MaxRetries = &n
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = def.InitialDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = def.MaxDelay
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = def.Multiplier
	}
}

// Validate checks that every name in c is known.
func (c *Config) Validate() error {
	if len(c.Machines) == 0 {
		return fmt.Errorf("%w: no machines", ErrInvalid)
	}
	seen := map[string]bool{}
	for _, m := range c.Machines {
		if m == "" || seen[m] {
			return fmt.Errorf("%w: empty or duplicate machine %q", ErrInvalid, m)
		}
		seen[m] = true
	}
	for _, v := range c.VPNs {
		if _, err := model.ParseVPN(string(v)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	for _, k := range c.Tests {
		if _, err := model.ParseTestKind(string(k)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	for k, argv := range c.Commands {
		if _, err := model.ParseTestKind(string(k)); err != nil || len(argv) == 0 {
			return fmt.Errorf("%w: command for %q", ErrInvalid, k)
		}
	}
	for _, p := range c.CustomProfiles {
		if err := validateProfile(p); err != nil {
			return err
		}
	}
	if _, err := c.NetworkProfiles(); err != nil {
		return err
	}
	if c.Retry.Retries() < 0 || c.Retry.InitialDelay < 0 || c.Retry.Multiplier < 1 {
		return fmt.Errorf("%w: retry policy %+v", ErrInvalid, c.Retry)
	}
	if c.Parallelism < 0 || c.TCStabilization < 0 {
		return fmt.Errorf("%w: negative parallelism or stabilization", ErrInvalid)
	}
	return nil
}

func validateProfile(p model.NetworkProfile) error {
	if p.Alias == "" {
		return fmt.Errorf("%w: custom profile without alias", ErrInvalid)
	}
	neg := func(name string, v *float64) error {
		if v != nil && (*v < 0 || *v > 100) {
			return fmt.Errorf("%w: profile %s: %s out of range", ErrInvalid, p.Alias, name)
		}
		return nil
	}
	for _, iv := range []struct {
		name string
		v    *int
	}{{"bandwidth_mbit", p.BandwidthMbit}, {"latency_ms", p.LatencyMs}, {"jitter_ms", p.JitterMs}} {
		if iv.v != nil && *iv.v < 0 {
			return fmt.Errorf("%w: profile %s: negative %s", ErrInvalid, p.Alias, iv.name)
		}
	}
	if p.BandwidthMbit != nil && *p.BandwidthMbit == 0 {
		return fmt.Errorf("%w: profile %s: zero bandwidth", ErrInvalid, p.Alias)
	}
	return errors.Join(
		neg("packet_loss", p.PacketLoss),
		neg("reorder", p.Reorder),
		neg("reorder_correlation", p.ReorderCorrelation),
	)
}

// NetworkProfiles resolves Profiles against the custom and built-in
// profiles, in the configured order. Custom profiles shadow built-in ones.
func (c *Config) NetworkProfiles() ([]model.NetworkProfile, error) {
	known := map[string]model.NetworkProfile{}
	for _, p := range model.DefaultProfiles() {
		known[p.Alias] = p
	}
	for _, p := range c.CustomProfiles {
		known[p.Alias] = p
	}
	var out []model.NetworkProfile
	seen := map[string]bool{}
	for _, alias := range c.Profiles {
		p, ok := known[alias]
		if !ok {
			return nil, fmt.Errorf("%w: unknown profile %q", ErrInvalid, alias)
		}
		if seen[alias] {
			return nil, fmt.Errorf("%w: duplicate profile %q", ErrInvalid, alias)
		}
		seen[alias] = true
		out = append(out, p)
	}
	return out, nil
}
