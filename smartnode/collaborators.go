package smartnode

import (
	"context"

	"smartwallet/network"
)

// Request method names understood by the relay.
const (
	MethodAnnounceBroadcast = "masternode.announce.broadcast"
	MethodSubscribe         = "masternode.subscribe"
)

// KeyStore holds delegate keys and signs with them.
type KeyStore interface {
	// ImportDelegateKey stores the key and returns its public key. When the
	// key is already present it returns crypto.ErrKeyExists, optionally along
	// with the public key.
	ImportDelegateKey(wif, passphrase string) ([]byte, error)
	ForgetDelegateKey(pubKey []byte) error
	SignWithDelegate(pubKey, message []byte, passphrase string) ([]byte, error)
}

// MessageSigner signs with wallet-owned keys.
type MessageSigner interface {
	SignMessage(address string, message []byte, passphrase string) ([]byte, error)
	PublicKeysFor(address string) ([][]byte, error)
}

// Unspent is a wallet output.
type Unspent struct {
	TxID          string `json:"txid" yaml:"txid"`
	OutputIndex   uint32 `json:"n" yaml:"n"`
	Address       string `json:"address" yaml:"address"`
	Value         int64  `json:"value" yaml:"value"`
	Confirmations int64  `json:"confirmations" yaml:"confirmations"`
	Coinbase      bool   `json:"coinbase,omitempty" yaml:"coinbase,omitempty"`
	Frozen        bool   `json:"frozen,omitempty" yaml:"frozen,omitempty"`
}

// Identity returns txid:n.
func (u Unspent) Identity() string {
	return CollateralIdentity(u.TxID, u.OutputIndex)
}

// UnspentFilter narrows ListUnspent.
type UnspentFilter struct {
	Addresses     []string
	ExcludeFrozen bool
	ConfirmedOnly bool
	MatureOnly    bool
}

// Coins lists and freezes wallet outputs.
type Coins interface {
	ListUnspent(filter UnspentFilter) ([]Unspent, error)
	SetFrozen(addresses []string, frozen bool) error
}

// TxOutput is one output of a wallet transaction.
type TxOutput struct {
	Address string
	Value   int64
}

// Transaction is a wallet transaction as seen by the resolver.
type Transaction struct {
	TxID    string
	Outputs []TxOutput
}

// TxIndex looks up wallet transactions.
type TxIndex interface {
	Transaction(txid string) (Transaction, bool)
	Confirmations(txid string) int64
}

// Header is a block header known to the local chain.
type Header struct {
	Height int64
	Hash   string
}

// Chain exposes the local header chain.
type Chain interface {
	LocalHeight() int64
	ReadHeader(ctx context.Context, height int64) (Header, error)
}

// Transport carries requests to the relay. Callbacks may run on any goroutine,
// and notifications for subscribe requests reuse the subscribe callback.
type Transport interface {
	IsConnected() bool
	Send(reqs []network.Request, callback func(network.Response)) error
}

// Deps bundles the collaborators a Manager depends on.
type Deps struct {
	Keys      KeyStore
	Signer    MessageSigner
	Coins     Coins
	TxIndex   TxIndex
	Chain     Chain
	Transport Transport
}
