// Package config manages the relay's configuration using koanf/v2.
//
// Supports a JSON file plus environment variable overrides for the
// top-level scalar fields.
package config

import (
	jsonstd "encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/simonefil/RoonBroadcastRelay/internal/relay"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete relay configuration, as loaded from the
// JSON configuration file. Field names and JSON tags match the wire
// format exactly (PascalCase), including the accepted absence of
// UnicastTargets and Protocols.
type Config struct {
	// SiteName tags every log line this process emits.
	SiteName string `koanf:"SiteName" json:"SiteName"`

	// TunnelPort is the local UDP port the tunnel endpoint binds to.
	TunnelPort uint16 `koanf:"TunnelPort" json:"TunnelPort"`

	// RemoteRelayIp is the peer relay's address. Empty means no tunnel.
	RemoteRelayIp string `koanf:"RemoteRelayIp" json:"RemoteRelayIp"`

	// LocalInterfaces lists every declared local subnet the relay
	// bridges traffic across.
	LocalInterfaces []InterfaceConfig `koanf:"LocalInterfaces" json:"LocalInterfaces"`

	// UnicastTargets lists addresses reached only by unicast (e.g.
	// road-warrior VPN peers outside any declared subnet). May be
	// null/absent in the JSON file.
	UnicastTargets []string `koanf:"UnicastTargets" json:"UnicastTargets,omitempty"`

	// Protocols selects which built-in protocols are enabled. If
	// absent from the file, only RAAT is enabled.
	Protocols ProtocolsConfig `koanf:"Protocols" json:"Protocols"`
}

// InterfaceConfig is one entry of LocalInterfaces as read from JSON.
type InterfaceConfig struct {
	LocalIp          string `koanf:"LocalIp" json:"LocalIp"`
	BroadcastAddress string `koanf:"BroadcastAddress" json:"BroadcastAddress"`
	SubnetMask       string `koanf:"SubnetMask" json:"SubnetMask"`
}

// ProtocolsConfig toggles each built-in protocol.
type ProtocolsConfig struct {
	Raat       bool `koanf:"Raat" json:"Raat"`
	AirPlay    bool `koanf:"AirPlay" json:"AirPlay"`
	Ssdp       bool `koanf:"Ssdp" json:"Ssdp"`
	Squeezebox bool `koanf:"Squeezebox" json:"Squeezebox"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config with only RAAT enabled and no tunnel,
// matching the behavior of a JSON file that omits Protocols entirely.
func DefaultConfig() *Config {
	return &Config{
		SiteName:        "roonrelay",
		TunnelPort:      9004,
		RemoteRelayIp:   "",
		LocalInterfaces: []InterfaceConfig{},
		UnicastTargets:  nil,
		Protocols: ProtocolsConfig{
			Raat: true,
		},
	}
}

// WriteExample marshals DefaultConfig (with one illustrative interface
// entry) to path as indented JSON. Used by the CLI when the
// configuration file named on the command line does not exist.
func WriteExample(path string) error {
	example := DefaultConfig()
	example.LocalInterfaces = []InterfaceConfig{
		{
			LocalIp:          "192.168.1.10",
			BroadcastAddress: "192.168.1.255",
			SubnetMask:       "255.255.255.0",
		},
	}

	data, err := jsonstd.MarshalIndent(example, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal example config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write example config to %s: %w", path, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for relay configuration
// overrides. Variables are named ROONRELAY_<FIELD>, e.g.
// ROONRELAY_SITENAME, ROONRELAY_TUNNELPORT. Only scalar top-level
// fields are overridable this way; LocalInterfaces, UnicastTargets, and
// Protocols must come from the file.
const envPrefix = "ROONRELAY_"

// Load reads configuration from a JSON file at path, overlays
// ROONRELAY_-prefixed environment variable overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms ROONRELAY_SITENAME -> SiteName by stripping
// the prefix and restoring the PascalCase key of the matching scalar
// field, so the override replaces the file's value under the same key.
func envKeyMapper(s string) string {
	key := strings.TrimPrefix(s, envPrefix)
	for _, name := range []string{"SiteName", "TunnelPort", "RemoteRelayIp"} {
		if strings.EqualFold(key, name) {
			return name
		}
	}
	return key
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptySiteName indicates SiteName is empty.
	ErrEmptySiteName = errors.New("SiteName must not be empty")

	// ErrInvalidRemoteRelayIp indicates RemoteRelayIp does not parse as IPv4.
	ErrInvalidRemoteRelayIp = errors.New("RemoteRelayIp is not a valid IPv4 address")

	// ErrZeroTunnelPort indicates TunnelPort is 0 while RemoteRelayIp is set.
	ErrZeroTunnelPort = errors.New("TunnelPort must be nonzero when RemoteRelayIp is set")

	// ErrInvalidInterface indicates a LocalInterfaces entry has an
	// unparseable address or mask.
	ErrInvalidInterface = errors.New("local interface has an invalid address or mask")

	// ErrInvalidUnicastTarget indicates a UnicastTargets entry does not
	// parse as IPv4.
	ErrInvalidUnicastTarget = errors.New("unicast target is not a valid IPv4 address")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.SiteName == "" {
		return ErrEmptySiteName
	}

	if cfg.RemoteRelayIp != "" {
		if net.ParseIP(cfg.RemoteRelayIp).To4() == nil {
			return ErrInvalidRemoteRelayIp
		}
		if cfg.TunnelPort == 0 {
			return ErrZeroTunnelPort
		}
	}

	for i, ifc := range cfg.LocalInterfaces {
		if _, err := ifc.resolve(); err != nil {
			return fmt.Errorf("LocalInterfaces[%d]: %w: %w", i, ErrInvalidInterface, err)
		}
	}

	for i, t := range cfg.UnicastTargets {
		if net.ParseIP(t).To4() == nil {
			return fmt.Errorf("UnicastTargets[%d] %q: %w", i, t, ErrInvalidUnicastTarget)
		}
	}

	return nil
}

// resolve converts an InterfaceConfig to a relay.Interface.
func (ic InterfaceConfig) resolve() (relay.Interface, error) {
	localIP := net.ParseIP(ic.LocalIp).To4()
	bcastIP := net.ParseIP(ic.BroadcastAddress).To4()
	maskIP := net.ParseIP(ic.SubnetMask).To4()
	if localIP == nil || bcastIP == nil || maskIP == nil {
		return relay.Interface{}, fmt.Errorf("parse LocalIp=%q BroadcastAddress=%q SubnetMask=%q",
			ic.LocalIp, ic.BroadcastAddress, ic.SubnetMask)
	}
	return relay.Interface{
		LocalIP:   localIP,
		Broadcast: bcastIP,
		Mask:      net.IPMask(maskIP),
	}, nil
}

// -------------------------------------------------------------------------
// Resolved accessors — conversion from wire strings to net types
// -------------------------------------------------------------------------

// ResolveInterfaces converts LocalInterfaces into relay.Interface values.
// Validate must have already succeeded.
func (c *Config) ResolveInterfaces() ([]relay.Interface, error) {
	out := make([]relay.Interface, 0, len(c.LocalInterfaces))
	for _, ifc := range c.LocalInterfaces {
		resolved, err := ifc.resolve()
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

// ResolveUnicastTargets converts UnicastTargets into net.IP values.
func (c *Config) ResolveUnicastTargets() []net.IP {
	out := make([]net.IP, 0, len(c.UnicastTargets))
	for _, t := range c.UnicastTargets {
		out = append(out, net.ParseIP(t).To4())
	}
	return out
}

// EnabledProtocols returns the built-in protocol descriptors selected by
// Protocols, in the stable order of relay.AllProtocols.
func (c *Config) EnabledProtocols() []relay.Protocol {
	var enabled []relay.Protocol
	for _, p := range relay.AllProtocols() {
		if c.protocolEnabled(p) {
			enabled = append(enabled, p)
		}
	}
	return enabled
}

func (c *Config) protocolEnabled(p relay.Protocol) bool {
	switch p.Name {
	case relay.RAAT.Name:
		return c.Protocols.Raat
	case relay.AirPlay.Name:
		return c.Protocols.AirPlay
	case relay.SSDP.Name:
		return c.Protocols.Ssdp
	case relay.Squeezebox.Name:
		return c.Protocols.Squeezebox
	default:
		return false
	}
}

// RemoteRelayEndpoint resolves RemoteRelayIp:TunnelPort for the tunnel
// client, or reports false if no tunnel is configured.
func (c *Config) RemoteRelayEndpoint() (*net.UDPAddr, bool) {
	if c.RemoteRelayIp == "" {
		return nil, false
	}
	return &net.UDPAddr{IP: net.ParseIP(c.RemoteRelayIp).To4(), Port: int(c.TunnelPort)}, true
}
