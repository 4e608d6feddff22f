package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: missing")
	}
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return fmt.Errorf("config: ServerURL must be configured")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("config: ServerURL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: ServerURL scheme must be ws or wss")
	}
	if cfg.AdminToken == "" {
		return fmt.Errorf("config: AdminToken or AdminTokenFile must be configured")
	}
	if cfg.PollInterval.Duration <= 0 {
		return fmt.Errorf("config: PollInterval must be positive")
	}
	if cfg.ServerWriteTimeout.Duration <= 0 {
		return fmt.Errorf("config: ServerWriteTimeout must be positive")
	}

	sn := cfg.Smartnode
	if sn.CollateralValue <= 0 {
		return fmt.Errorf("smartnode: CollateralValue must be positive")
	}
	if sn.MinConfirmations <= 0 {
		return fmt.Errorf("smartnode: MinConfirmations must be positive")
	}
	if sn.PingBlockOffset <= 0 {
		return fmt.Errorf("smartnode: PingBlockOffset must be positive")
	}
	if sn.BroadcastTimeout.Duration <= 0 {
		return fmt.Errorf("smartnode: BroadcastTimeout must be positive")
	}
	if sn.MissingAfter.Duration <= 0 {
		return fmt.Errorf("smartnode: MissingAfter must be positive")
	}
	if sn.SubscribeRate < 0 {
		return fmt.Errorf("smartnode: SubscribeRate must not be negative")
	}

	if cfg.Network.PubKeyHashAddrID == cfg.Network.ScriptHashAddrID {
		return fmt.Errorf("network: PubKeyHashAddrID and ScriptHashAddrID must differ")
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	return nil
}
