package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration wraps time.Duration so TOML files can carry human readable values
// such as "30s" or "10m".
type Duration struct {
	time.Duration
}

// UnmarshalText parses duration strings. An empty string is zero.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Smartnode holds the coordinator constants. Values are in base units
// (1 coin = 1e8) unless stated otherwise.
type Smartnode struct {
	CollateralValue  int64    `toml:"CollateralValue"`
	MinConfirmations int64    `toml:"MinConfirmations"`
	PingBlockOffset  int64    `toml:"PingBlockOffset"`
	ProtocolVersion  uint32   `toml:"ProtocolVersion"`
	DefaultPort      uint16   `toml:"DefaultPort"`
	BroadcastTimeout Duration `toml:"BroadcastTimeout"`
	MissingAfter     Duration `toml:"MissingAfter"`
	// SubscribeRate caps status subscriptions per second; zero disables pacing.
	SubscribeRate float64 `toml:"SubscribeRate"`
}

// Network describes the address and message encodings of the chain.
type Network struct {
	Name             string `toml:"Name"`
	PubKeyHashAddrID uint8  `toml:"PubKeyHashAddrID"`
	ScriptHashAddrID uint8  `toml:"ScriptHashAddrID"`
	PrivateKeyID     uint8  `toml:"PrivateKeyID"`
	MessageMagic     string `toml:"MessageMagic"`
}

// Telemetry configures logs and trace export.
type Telemetry struct {
	Environment  string  `toml:"Environment"`
	LogLevel     string  `toml:"LogLevel"`
	OTLPEndpoint string  `toml:"OTLPEndpoint"`
	OTLPInsecure bool    `toml:"OTLPInsecure"`
	SampleRatio  float64 `toml:"SampleRatio"`
}

// ServerSecurity configures TLS trust and authentication towards the wallet
// server. Relative paths resolve against the config file's directory.
type ServerSecurity struct {
	CAFile         string `toml:"CAFile,omitempty"`
	ClientCertFile string `toml:"ClientCertFile,omitempty"`
	ClientKeyFile  string `toml:"ClientKeyFile,omitempty"`
	AuthHeader     string `toml:"AuthHeader,omitempty"`
	AuthToken      string `toml:"AuthToken,omitempty"`
	AuthTokenEnv   string `toml:"AuthTokenEnv,omitempty"`
}
