package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/skycoin/btxmesh/internal/netutil"
	"github.com/skycoin/btxmesh/pkg/broadcast"
	"github.com/skycoin/btxmesh/pkg/frame"
	"github.com/skycoin/btxmesh/pkg/meshlink"
	"github.com/skycoin/btxmesh/pkg/reassembly"
)

// EnvPrefix prefixes environment overrides, e.g. BTXMESH_LOG_LEVEL.
const EnvPrefix = "BTXMESH"

// Config defines configuration parameters for Gateway.
type Config struct {
	Version string `json:"version" mapstructure:"version"`

	// Node is the mesh address of the gateway, used in logs and replies.
	Node string `json:"node" mapstructure:"node"`

	Mesh       MeshConfig       `json:"mesh" mapstructure:"mesh"`
	Reassembly ReassemblyConfig `json:"reassembly" mapstructure:"reassembly"`
	Text       TextConfig       `json:"text" mapstructure:"text"`
	Broadcast  BroadcastConfig  `json:"broadcast" mapstructure:"broadcast"`
	Journal    JournalConfig    `json:"journal" mapstructure:"journal"`
	Interfaces InterfaceConfig  `json:"interfaces" mapstructure:"interfaces"`
	Log        LogConfig        `json:"log" mapstructure:"log"`

	ShutdownTimeout Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"` // time value, examples: 10s, 1m, etc
}

// MeshConfig locates the radio companion and the ports the gateway serves.
type MeshConfig struct {
	Bridge    string `json:"bridge" mapstructure:"bridge"`
	DataPort  uint32 `json:"data_port" mapstructure:"data_port"`
	TextPort  uint32 `json:"text_port" mapstructure:"text_port"`
	QueueSize int    `json:"queue_size" mapstructure:"queue_size"`
}

// ReassemblyConfig bounds pending transactions.
type ReassemblyConfig struct {
	FragmentBudget int      `json:"fragment_budget" mapstructure:"fragment_budget"`
	MaxTxSize      int      `json:"max_tx_size" mapstructure:"max_tx_size"`
	Timeout        Duration `json:"timeout" mapstructure:"timeout"`
	SweepInterval  Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
}

// TextConfig controls the text path.
type TextConfig struct {
	// AcceptRaw treats bare hex lines as chunks.
	AcceptRaw bool `json:"accept_raw" mapstructure:"accept_raw"`
}

// BroadcastConfig selects the backend and the dispatch pool.
type BroadcastConfig struct {
	Backend   string              `json:"backend" mapstructure:"backend"`
	Network   string              `json:"network" mapstructure:"network"`
	Private   bool                `json:"private" mapstructure:"private"`
	Proxy     string              `json:"proxy" mapstructure:"proxy"`
	CheckURL  string              `json:"check_url" mapstructure:"check_url"`
	Timeout   Duration            `json:"timeout" mapstructure:"timeout"`
	Workers   int                 `json:"workers" mapstructure:"workers"`
	QueueSize int                 `json:"queue_size" mapstructure:"queue_size"`
	Backends  []broadcast.Backend `json:"backends" mapstructure:"backends"`
}

// JournalConfig selects where broadcast history is kept.
type JournalConfig struct {
	Type     string `json:"type" mapstructure:"type"`
	Location string `json:"location" mapstructure:"location"`
}

// InterfaceConfig defines listening interfaces for the gateway.
type InterfaceConfig struct {
	RPCAddress  string `json:"rpc" mapstructure:"rpc"`   // leave blank to disable the RPC interface
	HTTPAddress string `json:"http" mapstructure:"http"` // leave blank to disable the HTTP API
}

// LogConfig defines logging output.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// DefaultConfig returns a Config usable without a file.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Node:    "!gateway",
		Mesh: MeshConfig{
			Bridge:    "127.0.0.1:4403",
			DataPort:  frame.AppPort,
			TextPort:  frame.TextPort,
			QueueSize: meshlink.DefaultQueueSize,
		},
		Reassembly: ReassemblyConfig{
			FragmentBudget: frame.FragmentBudget,
			MaxTxSize:      frame.MaxTxSize,
			Timeout:        Duration(reassembly.DefaultTimeout),
			SweepInterval:  Duration(5 * time.Second),
		},
		Broadcast: BroadcastConfig{
			Backend:   "mempool",
			Network:   string(broadcast.Mainnet),
			Proxy:     "127.0.0.1:9050",
			CheckURL:  broadcast.DefaultCheckURL,
			Timeout:   Duration(broadcast.DefaultTimeout),
			Workers:   4,
			QueueSize: 32,
			Backends:  broadcast.DefaultBackends(),
		},
		Journal: JournalConfig{Type: "memory"},
		Interfaces: InterfaceConfig{
			RPCAddress:  "localhost:3435",
			HTTPAddress: "localhost:8088",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		ShutdownTimeout: Duration(10 * time.Second),
	}
}

// LoadConfig reads a JSON or YAML file at path over the defaults. An empty
// path uses defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	defaults, err := flatten(DefaultConfig())
	if err != nil {
		return nil, err
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %s", err)
		}
	}

	conf := new(Config)
	if err := v.Unmarshal(conf, viper.DecodeHook(durationHook)); err != nil {
		return nil, fmt.Errorf("decode config: %s", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// flatten turns conf into dotted keys so that every field can be
// overridden from the environment.
func flatten(conf *Config) (map[string]interface{}, error) {
	raw, err := json.Marshal(conf)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}

	out := make(map[string]interface{})
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, val := range m {
			if sub, ok := val.(map[string]interface{}); ok {
				walk(prefix+k+".", sub)
				continue
			}
			out[prefix+k] = val
		}
	}
	walk("", m)
	return out, nil
}

var durationType = reflect.TypeOf(Duration(0))

func durationHook(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != durationType {
		return data, nil
	}
	switch value := data.(type) {
	case string:
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, err
		}
		return Duration(d), nil
	case float64:
		return Duration(time.Duration(value)), nil
	case int:
		return Duration(time.Duration(value)), nil
	case int64:
		return Duration(time.Duration(value)), nil
	default:
		return data, nil
	}
}

// Validate checks values that have no usable zero value.
func (c *Config) Validate() error {
	if c.Mesh.DataPort == c.Mesh.TextPort {
		return errors.New("mesh data_port and text_port must differ")
	}
	if c.Reassembly.FragmentBudget <= 0 || c.Reassembly.FragmentBudget > frame.FragmentBudget {
		return fmt.Errorf("reassembly fragment_budget must be in 1..%d", frame.FragmentBudget)
	}
	if c.Reassembly.MaxTxSize <= 0 {
		return errors.New("reassembly max_tx_size must be positive")
	}
	if c.Reassembly.Timeout <= 0 || c.Reassembly.SweepInterval <= 0 {
		return errors.New("reassembly timeout and sweep_interval must be positive")
	}
	if c.Broadcast.Workers <= 0 || c.Broadcast.QueueSize <= 0 {
		return errors.New("broadcast workers and queue_size must be positive")
	}
	if _, err := broadcast.ParseNetwork(c.Broadcast.Network); err != nil {
		return err
	}
	if _, err := c.Backend(); err != nil {
		return err
	}
	switch c.Journal.Type {
	case "", "memory":
	case "boltdb":
		if c.Journal.Location == "" {
			return errors.New("journal location required for boltdb")
		}
	default:
		return fmt.Errorf("unknown journal type %q", c.Journal.Type)
	}
	return nil
}

// Backend returns the configured submission backend.
func (c *Config) Backend() (*broadcast.Backend, error) {
	return broadcast.FindBackend(c.Broadcast.Backends, c.Broadcast.Backend)
}

// Network returns the configured Bitcoin network.
func (c *Config) Network() broadcast.Network {
	n, err := broadcast.ParseNetwork(c.Broadcast.Network)
	if err != nil {
		return broadcast.Mainnet
	}
	return n
}

// ReassemblyConfig returns the reassembly manager configuration.
func (c *Config) ReassemblyConfig() reassembly.Config {
	return reassembly.Config{
		FragmentBudget: c.Reassembly.FragmentBudget,
		MaxTxSize:      c.Reassembly.MaxTxSize,
		Timeout:        time.Duration(c.Reassembly.Timeout),
	}
}

// DispatcherConfig returns the broadcast dispatcher configuration.
func (c *Config) DispatcherConfig() broadcast.Config {
	return broadcast.Config{
		ProxyAddress: c.Broadcast.Proxy,
		CheckURL:     c.Broadcast.CheckURL,
		Timeout:      time.Duration(c.Broadcast.Timeout),
	}
}

// BroadcastJournal opens the configured journal.
func (c *Config) BroadcastJournal() (broadcast.Journal, error) {
	if c.Journal.Type == "boltdb" {
		return broadcast.BoltDBJournal(c.Journal.Location)
	}

	return broadcast.InMemoryJournal(), nil
}

// MeshLink dials the radio companion, retrying until ctx is done.
func (c *Config) MeshLink(ctx context.Context) (meshlink.Link, error) {
	if c.Mesh.Bridge == "" {
		return nil, errors.New("empty mesh bridge address")
	}

	var link meshlink.Link
	err := netutil.NewRetrier(500*time.Millisecond, 10*time.Second, 2).Do(ctx, func(ctx context.Context) error {
		br, err := meshlink.DialBridge(ctx, c.Mesh.Bridge, c.Mesh.QueueSize)
		if err != nil {
			return err
		}
		link = br
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mesh bridge %s: %s", c.Mesh.Bridge, err)
	}
	return link, nil
}

// Duration wraps around time.Duration to allow parsing from and to JSON
type Duration time.Duration

// MarshalJSON implements json marshaling
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements unmarshal from json
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
