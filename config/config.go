package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"smartwallet/crypto"
	"smartwallet/network"
	"smartwallet/smartnode"
)

const (
	defaultPollInterval       = 15 * time.Second
	defaultServerWriteTimeout = 10 * time.Second
)

type Config struct {
	DataDir        string   `toml:"DataDir"`
	KeystoreDir    string   `toml:"KeystoreDir"`
	ServerURL      string   `toml:"ServerURL"`
	AdminAddress   string   `toml:"AdminAddress"`
	AdminToken     string   `toml:"AdminToken"`
	AdminTokenFile string   `toml:"AdminTokenFile,omitempty"`
	PollInterval   Duration `toml:"PollInterval"`
	// ServerWriteTimeout bounds each write to the wallet server.
	ServerWriteTimeout Duration `toml:"ServerWriteTimeout"`

	Smartnode      Smartnode      `toml:"Smartnode"`
	Network        Network        `toml:"Network"`
	ServerSecurity ServerSecurity `toml:"ServerSecurity"`
	Telemetry      Telemetry      `toml:"Telemetry"`
}

// Load loads the configuration from the given path, writing a default file
// on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown key %s", path, undecoded[0])
	}

	applyDefaults(cfg, path)
	if err := cfg.loadAdminToken(); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written on first run, rooted next to
// the config file at path.
func Default(path string) *Config {
	cfg := &Config{}
	applyDefaults(cfg, path)
	return cfg
}

func applyDefaults(cfg *Config, path string) {
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(dir, "smartwallet-data")
	}
	if strings.TrimSpace(cfg.KeystoreDir) == "" {
		cfg.KeystoreDir = filepath.Join(cfg.DataDir, "keystore")
	}
	if strings.TrimSpace(cfg.AdminAddress) == "" {
		cfg.AdminAddress = "127.0.0.1:9680"
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = defaultPollInterval
	}
	if cfg.ServerWriteTimeout.Duration == 0 {
		cfg.ServerWriteTimeout.Duration = defaultServerWriteTimeout
	}

	def := smartnode.DefaultConfig()
	sn := &cfg.Smartnode
	if sn.CollateralValue == 0 {
		sn.CollateralValue = def.CollateralValue
	}
	if sn.MinConfirmations == 0 {
		sn.MinConfirmations = def.MinConfirmations
	}
	if sn.PingBlockOffset == 0 {
		sn.PingBlockOffset = def.PingBlockOffset
	}
	if sn.ProtocolVersion == 0 {
		sn.ProtocolVersion = def.ProtocolVersion
	}
	if sn.DefaultPort == 0 {
		sn.DefaultPort = def.DefaultPort
	}
	if sn.BroadcastTimeout.Duration == 0 {
		sn.BroadcastTimeout.Duration = def.BroadcastTimeout
	}
	if sn.MissingAfter.Duration == 0 {
		sn.MissingAfter.Duration = def.MissingAfter
	}

	if cfg.Network.MessageMagic == "" {
		cfg.Network = Network{
			Name:             def.Net.Name,
			PubKeyHashAddrID: def.Net.PubKeyHashAddrID,
			ScriptHashAddrID: def.Net.ScriptHashAddrID,
			PrivateKeyID:     def.Net.PrivateKeyID,
			MessageMagic:     def.Net.MessageMagic,
		}
	}
	if cfg.Telemetry.LogLevel == "" {
		cfg.Telemetry.LogLevel = "info"
	}
}

func (c *Config) loadAdminToken() error {
	c.AdminToken = strings.TrimSpace(c.AdminToken)
	path := strings.TrimSpace(c.AdminTokenFile)
	if path == "" {
		return nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read AdminTokenFile: %w", err)
	}
	c.AdminToken = strings.TrimSpace(string(contents))
	return nil
}

// NetParams returns the chain encodings in the form the crypto package uses.
func (c *Config) NetParams() crypto.NetParams {
	return crypto.NetParams{
		Name:             c.Network.Name,
		PubKeyHashAddrID: c.Network.PubKeyHashAddrID,
		ScriptHashAddrID: c.Network.ScriptHashAddrID,
		PrivateKeyID:     c.Network.PrivateKeyID,
		MessageMagic:     c.Network.MessageMagic,
	}
}

// Security returns the wallet server security settings for the network client.
func (c *Config) Security() network.Security {
	return network.Security{
		CAFile:         c.ServerSecurity.CAFile,
		ClientCertFile: c.ServerSecurity.ClientCertFile,
		ClientKeyFile:  c.ServerSecurity.ClientKeyFile,
		AuthHeader:     c.ServerSecurity.AuthHeader,
		AuthToken:      c.ServerSecurity.AuthToken,
		AuthTokenEnv:   c.ServerSecurity.AuthTokenEnv,
	}
}

// SmartnodeConfig converts the [Smartnode] and [Network] sections into the
// coordinator's configuration.
func (c *Config) SmartnodeConfig() smartnode.Config {
	return smartnode.Config{
		CollateralValue:  c.Smartnode.CollateralValue,
		MinConfirmations: c.Smartnode.MinConfirmations,
		PingBlockOffset:  c.Smartnode.PingBlockOffset,
		ProtocolVersion:  c.Smartnode.ProtocolVersion,
		DefaultPort:      c.Smartnode.DefaultPort,
		BroadcastTimeout: c.Smartnode.BroadcastTimeout.Duration,
		MissingAfter:     c.Smartnode.MissingAfter.Duration,
		SubscribeRate:    c.Smartnode.SubscribeRate,
		Net:              c.NetParams(),
	}
}

// createDefault creates and saves a default configuration file with a fresh
// admin token.
func createDefault(path string) (*Config, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	cfg := Default(path)
	cfg.ServerURL = "wss://electrum.smartcash.cc:50004"
	cfg.AdminToken = token
	cfg.Smartnode.SubscribeRate = smartnode.DefaultConfig().SubscribeRate

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate admin token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
