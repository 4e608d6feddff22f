package smartnode

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"smartwallet/crypto"
)

// Coin is the number of base units in one coin.
const Coin int64 = 100_000_000

const maxSequence uint32 = 0xffffffff

// Config carries the protocol constants and tunables of the coordinator.
type Config struct {
	// CollateralValue is the exact output value, in base units, backing a node.
	CollateralValue int64
	// MinConfirmations is the depth the collateral payment must reach before signing.
	MinConfirmations int64
	// PingBlockOffset is how far below the local tip the ping's anchor block sits.
	PingBlockOffset int64
	ProtocolVersion uint32
	DefaultPort     uint16
	// BroadcastTimeout bounds the wait for an announce reply when the caller's
	// context carries no deadline.
	BroadcastTimeout time.Duration
	// MissingAfter is how long a subscription may stay unanswered before the
	// node is reported as MISSING.
	MissingAfter time.Duration
	// SubscribeRate limits subscribe requests per second; zero disables the limit.
	SubscribeRate float64
	Net           crypto.NetParams
}

// DefaultConfig returns the SmartCash mainnet settings.
func DefaultConfig() Config {
	return Config{
		CollateralValue:  100_000 * Coin,
		MinConfirmations: 15,
		PingBlockOffset:  33,
		ProtocolVersion:  90030,
		DefaultPort:      9678,
		BroadcastTimeout: 30 * time.Second,
		MissingAfter:     10 * time.Minute,
		SubscribeRate:    20,
		Net:              crypto.MainNet,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CollateralValue <= 0 {
		c.CollateralValue = def.CollateralValue
	}
	if c.MinConfirmations <= 0 {
		c.MinConfirmations = def.MinConfirmations
	}
	if c.PingBlockOffset <= 0 {
		c.PingBlockOffset = def.PingBlockOffset
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = def.ProtocolVersion
	}
	if c.DefaultPort == 0 {
		c.DefaultPort = def.DefaultPort
	}
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = def.BroadcastTimeout
	}
	if c.MissingAfter <= 0 {
		c.MissingAfter = def.MissingAfter
	}
	if c.Net.MessageMagic == "" {
		c.Net = def.Net
	}
	return c
}

// HexBytes marshals as a hex string.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

func (h *HexBytes) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

func (h HexBytes) String() string { return hex.EncodeToString(h) }

// NetworkAddress is the endpoint a smartnode runs on.
type NetworkAddress struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

func (a NetworkAddress) String() string {
	if a.IP == "" {
		return ""
	}
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}

// ParseNetworkAddress parses "ip:port"; a bare IP gets defaultPort.
func ParseNetworkAddress(s string, defaultPort uint16) (NetworkAddress, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return NetworkAddress{}, fmt.Errorf("empty address")
	}
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		host, portStr = strings.Trim(trimmed, "[]"), strconv.Itoa(int(defaultPort))
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return NetworkAddress{}, fmt.Errorf("invalid IP address %q", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return NetworkAddress{}, fmt.Errorf("invalid port %q", portStr)
	}
	return NetworkAddress{IP: ip.String(), Port: uint16(port)}, nil
}

// Vin references the collateral output and, once resolved, carries its address and value.
type Vin struct {
	PrevoutHash string  `json:"prevout_hash"`
	PrevoutN    uint32  `json:"prevout_n"`
	Address     string  `json:"address,omitempty"`
	Value       int64   `json:"value,omitempty"`
	ScriptSig   *string `json:"scriptSig,omitempty"`
	Sequence    *uint32 `json:"sequence,omitempty"`
}

func (v Vin) clone() Vin {
	out := v
	if v.ScriptSig != nil {
		s := *v.ScriptSig
		out.ScriptSig = &s
	}
	if v.Sequence != nil {
		seq := *v.Sequence
		out.Sequence = &seq
	}
	return out
}

func (v Vin) sequence() uint32 {
	if v.Sequence == nil {
		return maxSequence
	}
	return *v.Sequence
}

func (v Vin) scriptSig() string {
	if v.ScriptSig == nil {
		return ""
	}
	return *v.ScriptSig
}

// Ping is the liveness proof signed with the delegate key.
type Ping struct {
	Vin       Vin      `json:"vin"`
	BlockHash string   `json:"block_hash"`
	SigTime   int64    `json:"sig_time"`
	Sig       HexBytes `json:"sig"`
}

// Record is one smartnode registration.
type Record struct {
	Alias           string         `json:"alias"`
	Addr            NetworkAddress `json:"addr"`
	Vin             Vin            `json:"vin"`
	CollateralKey   HexBytes       `json:"collateral_key"`
	DelegateKey     HexBytes       `json:"delegate_key"`
	ProtocolVersion uint32         `json:"protocol_version"`
	SigTime         int64          `json:"sig_time"`
	Sig             HexBytes       `json:"sig"`
	LastPing        Ping           `json:"last_ping"`
	Announced       bool           `json:"announced"`
}

// HasCollateralRef reports whether a collateral txid has been set.
func (r Record) HasCollateralRef() bool {
	return r.Vin.PrevoutHash != ""
}

// CollateralIdentity is the txid:index key correlating the record with
// network-side status.
func (r Record) CollateralIdentity() string {
	return CollateralIdentity(r.Vin.PrevoutHash, r.Vin.PrevoutN)
}

// CollateralIdentity formats an outpoint as txid:index.
func CollateralIdentity(txid string, index uint32) string {
	return fmt.Sprintf("%s:%d", txid, index)
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Vin = r.Vin.clone()
	out.CollateralKey = append(HexBytes(nil), r.CollateralKey...)
	out.DelegateKey = append(HexBytes(nil), r.DelegateKey...)
	out.Sig = append(HexBytes(nil), r.Sig...)
	out.LastPing.Vin = r.LastPing.Vin.clone()
	out.LastPing.Sig = append(HexBytes(nil), r.LastPing.Sig...)
	return out
}
