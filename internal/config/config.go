// Package config defines the gateway configuration and its defaults.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Paths    PathsConfig                    `json:"paths"`
	Gateway  GatewayConfig                  `json:"gateway"`
	Cron     CronConfig                     `json:"cron"`
	Pairing  PairingConfig                  `json:"pairing"`
	Channels map[string]ChannelAccessConfig `json:"channels,omitempty"`
	Events   EventsConfig                   `json:"events"`
	Logging  LoggingConfig                  `json:"logging"`
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

// PathsConfig locates on-disk state. "~" expands against the state root.
type PathsConfig struct {
	StateDir string `json:"stateDir" envconfig:"STATE_DIR"`
}

// ---------------------------------------------------------------------------
// Gateway – RPC surface and node policy
// ---------------------------------------------------------------------------

// GatewayConfig contains the RPC listener settings.
type GatewayConfig struct {
	Host         string      `json:"host" envconfig:"HOST"`
	Port         int         `json:"port" envconfig:"PORT"`
	AuthToken    string      `json:"authToken" envconfig:"AUTH_TOKEN"`
	PublicURL    string      `json:"publicUrl,omitempty" envconfig:"PUBLIC_URL"`
	AllowOrigins []string    `json:"allowOrigins,omitempty" envconfig:"ALLOW_ORIGINS"`
	Nodes        NodesConfig `json:"nodes" ignored:"true"`
}

// NodesConfig adjusts the per-platform node command allowlist.
type NodesConfig struct {
	AllowCommands []string `json:"allowCommands,omitempty" envconfig:"ALLOW_COMMANDS"`
	DenyCommands  []string `json:"denyCommands,omitempty" envconfig:"DENY_COMMANDS"`
}

// ---------------------------------------------------------------------------
// Cron
// ---------------------------------------------------------------------------

// CronConfig holds scheduler settings. Nil fields fall back to defaults in
// ResolveCron.
type CronConfig struct {
	Enabled           *bool     `json:"enabled,omitempty" envconfig:"ENABLED"`
	Store             string    `json:"store,omitempty" envconfig:"STORE"`
	MaxConcurrentRuns *int      `json:"maxConcurrentRuns,omitempty" envconfig:"MAX_CONCURRENT_RUNS"`
	SessionRetention  Retention `json:"sessionRetention,omitempty" envconfig:"SESSION_RETENTION"`
	TickInterval      Duration  `json:"tickInterval,omitempty" envconfig:"TICK_INTERVAL"`
	SweepInterval     Duration  `json:"sweepInterval,omitempty" envconfig:"SWEEP_INTERVAL"`
}

// ResolvedCron is CronConfig with every default applied.
type ResolvedCron struct {
	Enabled           bool
	StorePath         string
	MaxConcurrentRuns int
	// SessionRetention is zero when pruning is disabled.
	SessionRetention time.Duration
	TickInterval     time.Duration
	SweepInterval    time.Duration
}

const (
	DefaultCronStore         = "~/.clawgate/cron/jobs.json"
	DefaultMaxConcurrentRuns = 1
	DefaultSessionRetention  = 24 * time.Hour
	DefaultCronTick          = 5 * time.Second
	DefaultSweepInterval     = 5 * time.Minute
)

// ResolveCron merges c over the cron defaults. It does not touch the
// filesystem; StorePath may still start with "~".
func ResolveCron(c CronConfig) ResolvedCron {
	r := ResolvedCron{
		Enabled:           true,
		StorePath:         DefaultCronStore,
		MaxConcurrentRuns: DefaultMaxConcurrentRuns,
		SessionRetention:  DefaultSessionRetention,
		TickInterval:      DefaultCronTick,
		SweepInterval:     DefaultSweepInterval,
	}
	if c.Enabled != nil {
		r.Enabled = *c.Enabled
	}
	if s := strings.TrimSpace(c.Store); s != "" {
		r.StorePath = s
	}
	if c.MaxConcurrentRuns != nil && *c.MaxConcurrentRuns > 0 {
		r.MaxConcurrentRuns = *c.MaxConcurrentRuns
	}
	switch {
	case c.SessionRetention.Disabled:
		r.SessionRetention = 0
	case c.SessionRetention.Value > 0:
		r.SessionRetention = c.SessionRetention.Value
	}
	if c.TickInterval > 0 {
		r.TickInterval = time.Duration(c.TickInterval)
	}
	if c.SweepInterval > 0 {
		r.SweepInterval = time.Duration(c.SweepInterval)
	}
	return r
}

// ---------------------------------------------------------------------------
// Pairing and channel access
// ---------------------------------------------------------------------------

// DM policies for unknown senders.
const (
	DmPolicyPairing   = "pairing"
	DmPolicyAllowlist = "allowlist"
	DmPolicyOpen      = "open"
	DmPolicyDisabled  = "disabled"
)

// PairingConfig holds pairing manager settings.
type PairingConfig struct {
	DBPath               string   `json:"dbPath,omitempty" envconfig:"DB_PATH"`
	CodeTTL              Duration `json:"codeTtl,omitempty" envconfig:"CODE_TTL"`
	MaxPendingPerChannel *int     `json:"maxPendingPerChannel,omitempty" envconfig:"MAX_PENDING_PER_CHANNEL"`
}

// ResolvedPairing is PairingConfig with defaults applied.
type ResolvedPairing struct {
	DBPath               string
	CodeTTL              time.Duration
	MaxPendingPerChannel int
}

const (
	DefaultPairingDB      = "~/.clawgate/pairing.db"
	DefaultPairingCodeTTL = time.Hour
	DefaultMaxPending     = 3
)

// ResolvePairing merges p over the pairing defaults.
func ResolvePairing(p PairingConfig) ResolvedPairing {
	r := ResolvedPairing{
		DBPath:               DefaultPairingDB,
		CodeTTL:              DefaultPairingCodeTTL,
		MaxPendingPerChannel: DefaultMaxPending,
	}
	if s := strings.TrimSpace(p.DBPath); s != "" {
		r.DBPath = s
	}
	if p.CodeTTL > 0 {
		r.CodeTTL = time.Duration(p.CodeTTL)
	}
	if p.MaxPendingPerChannel != nil && *p.MaxPendingPerChannel > 0 {
		r.MaxPendingPerChannel = *p.MaxPendingPerChannel
	}
	return r
}

// ChannelAccessConfig controls who may talk to the bot on one channel.
type ChannelAccessConfig struct {
	DmPolicy  string   `json:"dmPolicy,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// Access returns the access settings for channel, defaulting to pairing.
func (c *Config) Access(channel string) ChannelAccessConfig {
	a := c.Channels[strings.ToLower(strings.TrimSpace(channel))]
	if a.DmPolicy == "" {
		a.DmPolicy = DmPolicyPairing
	}
	return a
}

// ---------------------------------------------------------------------------
// Events and logging
// ---------------------------------------------------------------------------

// EventsConfig configures the control-plane event stream. Empty Brokers
// disables publishing.
type EventsConfig struct {
	Brokers []string `json:"brokers,omitempty" envconfig:"BROKERS"`
	Topic   string   `json:"topic,omitempty" envconfig:"TOPIC"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" envconfig:"LEVEL"`
	Format string `json:"format,omitempty" envconfig:"FORMAT"`
}

// DefaultConfig returns a new Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir: "~/" + ConfigDir,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18789,
		},
		Events: EventsConfig{
			Topic: "clawgate.events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ---------------------------------------------------------------------------
// Value types
// ---------------------------------------------------------------------------

// Duration accepts "90s"/"5m"/"2d" strings or integer milliseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*d = Duration(time.Duration(n) * time.Millisecond)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", string(b))
	}
	return d.Decode(s)
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	v, err := ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Retention is a duration that can also be switched off with false.
type Retention struct {
	Value    time.Duration
	Disabled bool
}

func (r Retention) MarshalJSON() ([]byte, error) {
	if r.Disabled {
		return []byte("false"), nil
	}
	if r.Value == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value.String())
}

func (r *Retention) UnmarshalJSON(b []byte) error {
	var flag bool
	if err := json.Unmarshal(b, &flag); err == nil {
		*r = Retention{Disabled: !flag}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("sessionRetention must be a duration string or false: %s", string(b))
	}
	return r.Decode(s)
}

// Decode implements envconfig.Decoder.
func (r *Retention) Decode(value string) error {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "", "true":
		*r = Retention{}
		return nil
	case "false", "off", "0":
		*r = Retention{Disabled: true}
		return nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return err
	}
	*r = Retention{Value: d}
	return nil
}

// ParseDuration parses Go durations plus a whole-day "d" suffix.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil || days < 0 {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}
