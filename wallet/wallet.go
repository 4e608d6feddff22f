package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"smartwallet/crypto"
	"smartwallet/smartnode"
	"smartwallet/storage"
)

// Electrum protocol methods used by the wallet.
const (
	methodHeadersSubscribe = "blockchain.headers.subscribe"
	methodBlockHeader      = "blockchain.block.header"
	methodListUnspent      = "blockchain.scripthash.listunspent"
	methodGetHistory       = "blockchain.scripthash.get_history"
	methodGetTransaction   = "blockchain.transaction.get"
)

// CoinbaseMaturity is the depth a coinbase output needs before it can be spent.
const CoinbaseMaturity = 100

var frozenKey = []byte("wallet/frozen")

// ErrNotSynced is returned by reads that need at least one completed Sync.
var ErrNotSynced = errors.New("wallet: not synced")

// Caller performs one JSON-RPC request and returns the raw result.
type Caller interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, method string, params ...any) (json.RawMessage, error)

// Call delegates to the wrapped function.
func (f CallerFunc) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return f(ctx, method, params...)
}

// Keys is the part of the key ring the wallet needs.
type Keys interface {
	Addresses(kind crypto.KeyKind) []string
	SignMessage(address string, message []byte, passphrase string) ([]byte, error)
	PublicKeysFor(address string) ([][]byte, error)
}

type cachedTx struct {
	tx       smartnode.Transaction
	height   int64
	coinbase bool
}

// Wallet is a light client over an Electrum-protocol server. Sync refreshes a
// local cache of the chain tip, the wallet's unspent outputs and their
// transactions; every other read is served from that cache.
type Wallet struct {
	rpc    Caller
	db     storage.Database
	keys   Keys
	params crypto.NetParams
	logger *slog.Logger

	mu      sync.RWMutex
	height  int64
	unspent []smartnode.Unspent
	txs     map[string]cachedTx
	headers map[int64]smartnode.Header
	frozen  map[string]bool
}

// Option customises a Wallet.
type Option func(*Wallet)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Wallet) { w.logger = logger }
}

// New returns a wallet that talks to rpc and keeps its frozen-address set in db.
func New(rpc Caller, db storage.Database, keys Keys, params crypto.NetParams, opts ...Option) (*Wallet, error) {
	if rpc == nil || db == nil || keys == nil {
		return nil, errors.New("wallet: rpc, database and keys are required")
	}
	w := &Wallet{
		rpc:     rpc,
		db:      db,
		keys:    keys,
		params:  params,
		logger:  slog.Default(),
		txs:     make(map[string]cachedTx),
		headers: make(map[int64]smartnode.Header),
		frozen:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "wallet")
	if err := w.loadFrozen(); err != nil {
		return nil, err
	}
	return w, nil
}

type tipResult struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

type unspentResult struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
}

type historyResult struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}

// Sync refreshes the chain tip and the outputs of every wallet address.
func (w *Wallet) Sync(ctx context.Context) error {
	var tip tipResult
	if err := w.call(ctx, &tip, methodHeadersSubscribe); err != nil {
		return err
	}

	w.mu.RLock()
	known := make(map[string]cachedTx, len(w.txs))
	for id, tx := range w.txs {
		known[id] = tx
	}
	w.mu.RUnlock()

	var unspent []smartnode.Unspent
	txs := make(map[string]cachedTx)
	for _, address := range w.keys.Addresses(crypto.KindWallet) {
		hash, err := ScriptHash(address, w.params)
		if err != nil {
			return err
		}
		var history []historyResult
		if err := w.call(ctx, &history, methodGetHistory, hash); err != nil {
			return err
		}
		for _, entry := range history {
			cached, ok := known[entry.TxHash]
			if !ok {
				fetched, err := w.fetchTransaction(ctx, entry.TxHash)
				if err != nil {
					return err
				}
				cached = fetched
			}
			cached.height = entry.Height
			txs[entry.TxHash] = cached
			known[entry.TxHash] = cached
		}

		var outputs []unspentResult
		if err := w.call(ctx, &outputs, methodListUnspent, hash); err != nil {
			return err
		}
		for _, out := range outputs {
			u := smartnode.Unspent{
				TxID:          out.TxHash,
				OutputIndex:   out.TxPos,
				Address:       address,
				Value:         out.Value,
				Confirmations: confirmations(tip.Height, out.Height),
			}
			if cached, ok := txs[out.TxHash]; ok {
				u.Coinbase = cached.coinbase
			}
			unspent = append(unspent, u)
		}
	}
	sort.Slice(unspent, func(i, j int) bool {
		if unspent[i].TxID != unspent[j].TxID {
			return unspent[i].TxID < unspent[j].TxID
		}
		return unspent[i].OutputIndex < unspent[j].OutputIndex
	})

	w.mu.Lock()
	w.height = tip.Height
	w.unspent = unspent
	w.txs = txs
	w.mu.Unlock()
	w.logger.Debug("wallet synced", slog.Int64("height", tip.Height), slog.Int("unspent", len(unspent)), slog.Int("transactions", len(txs)))
	return nil
}

func (w *Wallet) fetchTransaction(ctx context.Context, txid string) (cachedTx, error) {
	var rawHex string
	if err := w.call(ctx, &rawHex, methodGetTransaction, txid); err != nil {
		return cachedTx{}, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return cachedTx{}, fmt.Errorf("wallet: decode transaction %s: %w", txid, err)
	}
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return cachedTx{}, fmt.Errorf("wallet: parse transaction %s: %w", txid, err)
	}
	tx := smartnode.Transaction{TxID: txid, Outputs: make([]smartnode.TxOutput, 0, len(msg.TxOut))}
	chain := w.params.ChainParams()
	for _, out := range msg.TxOut {
		var address string
		if _, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, chain); err == nil && len(addrs) == 1 {
			address = addrs[0].EncodeAddress()
		}
		tx.Outputs = append(tx.Outputs, smartnode.TxOutput{Address: address, Value: out.Value})
	}
	return cachedTx{tx: tx, coinbase: isCoinbase(&msg)}, nil
}

func isCoinbase(msg *wire.MsgTx) bool {
	if len(msg.TxIn) != 1 {
		return false
	}
	prev := msg.TxIn[0].PreviousOutPoint
	return prev.Index == wire.MaxPrevOutIndex && prev.Hash == (wire.OutPoint{}).Hash
}

func confirmations(tip, height int64) int64 {
	if height <= 0 || tip < height {
		return 0
	}
	return tip - height + 1
}

func (w *Wallet) call(ctx context.Context, out any, method string, params ...any) error {
	raw, err := w.rpc.Call(ctx, method, params...)
	if err != nil {
		return fmt.Errorf("wallet: %s: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("wallet: %s: decode result: %w", method, err)
	}
	return nil
}

// LocalHeight returns the chain tip seen by the last Sync.
func (w *Wallet) LocalHeight() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.height
}

// ReadHeader fetches the header at height. Block hashes are keccak256 of the
// serialized header, displayed byte-reversed.
func (w *Wallet) ReadHeader(ctx context.Context, height int64) (smartnode.Header, error) {
	w.mu.RLock()
	header, ok := w.headers[height]
	w.mu.RUnlock()
	if ok {
		return header, nil
	}
	var rawHex string
	if err := w.call(ctx, &rawHex, methodBlockHeader, height); err != nil {
		return smartnode.Header{}, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return smartnode.Header{}, fmt.Errorf("wallet: decode header %d: %w", height, err)
	}
	header = smartnode.Header{Height: height, Hash: BlockHash(raw)}
	w.mu.Lock()
	w.headers[height] = header
	w.mu.Unlock()
	return header, nil
}

// BlockHash returns the display form of a serialized header's hash.
func BlockHash(header []byte) string {
	sum := ethcrypto.Keccak256(header)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum)
}

// ListUnspent returns cached outputs matching filter.
func (w *Wallet) ListUnspent(filter smartnode.UnspentFilter) ([]smartnode.Unspent, error) {
	var only map[string]bool
	if len(filter.Addresses) > 0 {
		only = make(map[string]bool, len(filter.Addresses))
		for _, addr := range filter.Addresses {
			only[addr] = true
		}
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.height == 0 {
		return nil, ErrNotSynced
	}
	out := make([]smartnode.Unspent, 0, len(w.unspent))
	for _, u := range w.unspent {
		u.Frozen = w.frozen[u.Address]
		switch {
		case only != nil && !only[u.Address]:
			continue
		case filter.ExcludeFrozen && u.Frozen:
			continue
		case filter.ConfirmedOnly && u.Confirmations == 0:
			continue
		case filter.MatureOnly && u.Coinbase && u.Confirmations < CoinbaseMaturity:
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// SetFrozen marks addresses as excluded from coin selection and persists the set.
func (w *Wallet) SetFrozen(addresses []string, frozen bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := make(map[string]bool, len(w.frozen))
	for addr := range w.frozen {
		prev[addr] = true
	}
	for _, addr := range addresses {
		if frozen {
			w.frozen[addr] = true
		} else {
			delete(w.frozen, addr)
		}
	}
	if err := w.persistFrozenLocked(); err != nil {
		w.frozen = prev
		return err
	}
	return nil
}

// FrozenAddresses returns the frozen set, sorted.
func (w *Wallet) FrozenAddresses() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.frozen))
	for addr := range w.frozen {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (w *Wallet) loadFrozen() error {
	raw, err := w.db.Get(frozenKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wallet: load frozen addresses: %w", err)
	}
	var addrs []string
	if err := json.Unmarshal(raw, &addrs); err != nil {
		return fmt.Errorf("wallet: decode frozen addresses: %w", err)
	}
	for _, addr := range addrs {
		w.frozen[addr] = true
	}
	return nil
}

func (w *Wallet) persistFrozenLocked() error {
	addrs := make([]string, 0, len(w.frozen))
	for addr := range w.frozen {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	raw, err := json.Marshal(addrs)
	if err != nil {
		return err
	}
	return w.db.Put(frozenKey, raw)
}

// Transaction returns a cached wallet transaction.
func (w *Wallet) Transaction(txid string) (smartnode.Transaction, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cached, ok := w.txs[txid]
	return cached.tx, ok
}

// Confirmations returns the depth of txid, zero when unknown or unconfirmed.
func (w *Wallet) Confirmations(txid string) int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cached, ok := w.txs[txid]
	if !ok {
		return 0
	}
	return confirmations(w.height, cached.height)
}

// SignMessage signs with the wallet key owning address.
func (w *Wallet) SignMessage(address string, message []byte, passphrase string) ([]byte, error) {
	return w.keys.SignMessage(address, message, passphrase)
}

// PublicKeysFor returns the public keys the wallet holds for address.
func (w *Wallet) PublicKeysFor(address string) ([][]byte, error) {
	return w.keys.PublicKeysFor(address)
}

var (
	_ smartnode.Coins         = (*Wallet)(nil)
	_ smartnode.TxIndex       = (*Wallet)(nil)
	_ smartnode.Chain         = (*Wallet)(nil)
	_ smartnode.MessageSigner = (*Wallet)(nil)
)
