package smartnode

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smartwallet/crypto"
	"smartwallet/network"
	"smartwallet/storage"
)

const testPassphrase = "correct horse"

type fakeKeys struct {
	mu        sync.Mutex
	keys      map[string]*crypto.PrivateKey
	forgotten [][]byte
	importErr error
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{keys: make(map[string]*crypto.PrivateKey)}
}

func (f *fakeKeys) ImportDelegateKey(wif, passphrase string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.importErr != nil {
		return nil, f.importErr
	}
	key, err := crypto.DecodeWIF(wif)
	if err != nil {
		return nil, err
	}
	id := hex.EncodeToString(key.PubKey())
	if _, ok := f.keys[id]; ok {
		return nil, crypto.ErrKeyExists
	}
	f.keys[id] = key
	return key.PubKey(), nil
}

func (f *fakeKeys) ForgetDelegateKey(pub []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, hex.EncodeToString(pub))
	f.forgotten = append(f.forgotten, pub)
	return nil
}

func (f *fakeKeys) SignWithDelegate(pub, message []byte, passphrase string) ([]byte, error) {
	f.mu.Lock()
	key, ok := f.keys[hex.EncodeToString(pub)]
	f.mu.Unlock()
	if !ok {
		return nil, crypto.ErrUnknownKey
	}
	if passphrase != testPassphrase {
		return nil, errors.New("wrong passphrase")
	}
	return crypto.SignMessage(key, message, crypto.MainNet)
}

func (f *fakeKeys) add(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	f.mu.Lock()
	f.keys[hex.EncodeToString(key.PubKey())] = key
	f.mu.Unlock()
	return key
}

type fakeSigner struct {
	byAddress map[string]*crypto.PrivateKey
	signed    int
}

func (f *fakeSigner) SignMessage(address string, message []byte, passphrase string) ([]byte, error) {
	key, ok := f.byAddress[address]
	if !ok {
		return nil, crypto.ErrUnknownKey
	}
	if passphrase != testPassphrase {
		return nil, errors.New("wrong passphrase")
	}
	f.signed++
	return crypto.SignMessage(key, message, crypto.MainNet)
}

func (f *fakeSigner) PublicKeysFor(address string) ([][]byte, error) {
	key, ok := f.byAddress[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", crypto.ErrUnknownKey, address)
	}
	return [][]byte{key.PubKey()}, nil
}

type fakeCoins struct {
	unspent []Unspent
	frozen  map[string]bool
	filters []UnspentFilter
}

func (f *fakeCoins) ListUnspent(filter UnspentFilter) ([]Unspent, error) {
	f.filters = append(f.filters, filter)
	var out []Unspent
	for _, u := range f.unspent {
		if len(filter.Addresses) > 0 && !containsString(filter.Addresses, u.Address) {
			continue
		}
		if filter.ExcludeFrozen && f.frozen[u.Address] {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeCoins) SetFrozen(addresses []string, frozen bool) error {
	if f.frozen == nil {
		f.frozen = make(map[string]bool)
	}
	for _, addr := range addresses {
		f.frozen[addr] = frozen
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type fakeTxIndex struct {
	txs   map[string]Transaction
	confs map[string]int64
}

func (f *fakeTxIndex) Transaction(txid string) (Transaction, bool) {
	tx, ok := f.txs[txid]
	return tx, ok
}

func (f *fakeTxIndex) Confirmations(txid string) int64 { return f.confs[txid] }

type fakeChain struct {
	height int64
	read   []int64
	err    error
	onRead func()
}

func (f *fakeChain) LocalHeight() int64 { return f.height }

func (f *fakeChain) ReadHeader(_ context.Context, height int64) (Header, error) {
	f.read = append(f.read, height)
	if f.onRead != nil {
		f.onRead()
	}
	if f.err != nil {
		return Header{}, f.err
	}
	return Header{Height: height, Hash: fmt.Sprintf("%064x", height)}, nil
}

// fakeTransport records requests and answers them through reply, synchronously
// or from a goroutine, the way the websocket client's read loop would.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      []network.Request
	callbacks map[string]func(network.Response)
	reply     func(req network.Request, cb func(network.Response))
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, callbacks: make(map[string]func(network.Response))}
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(reqs []network.Request, cb func(network.Response)) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	f.sent = append(f.sent, reqs...)
	for _, req := range reqs {
		if req.Method == MethodSubscribe && len(req.Params) > 0 {
			f.callbacks[fmt.Sprint(req.Params[0])] = cb
		}
	}
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		for _, req := range reqs {
			reply(req, cb)
		}
	}
	return nil
}

func (f *fakeTransport) requests(method string) []network.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []network.Request
	for _, req := range f.sent {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

// push delivers a notification for a subscribed collateral identity.
func (f *fakeTransport) push(t *testing.T, id string, status any) {
	t.Helper()
	f.mu.Lock()
	cb, ok := f.callbacks[id]
	f.mu.Unlock()
	require.True(t, ok, "no subscription for %s", id)
	cb(responseFor(t, network.Request{Method: MethodSubscribe, Params: []any{id}}, status, nil))
}

func responseFor(t *testing.T, req network.Request, result any, rpcErr *network.RPCError) network.Response {
	t.Helper()
	resp := network.Response{Method: req.Method, Error: rpcErr}
	for _, p := range req.Params {
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		resp.Params = append(resp.Params, raw)
	}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		require.NoError(t, err)
		resp.Result = raw
	}
	return resp
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	db        *storage.MemDB
	keys      *fakeKeys
	signer    *fakeSigner
	coins     *fakeCoins
	txs       *fakeTxIndex
	chain     *fakeChain
	transport *fakeTransport
	clock     *testClock
	cfg       Config
}

func newFixture() *fixture {
	return &fixture{
		db:        storage.NewMemDB(),
		keys:      newFakeKeys(),
		signer:    &fakeSigner{byAddress: make(map[string]*crypto.PrivateKey)},
		coins:     &fakeCoins{},
		txs:       &fakeTxIndex{txs: make(map[string]Transaction), confs: make(map[string]int64)},
		chain:     &fakeChain{height: 1000},
		transport: newFakeTransport(),
		clock:     &testClock{now: time.Unix(1_700_000_000, 0)},
		cfg:       Config{SubscribeRate: 0, BroadcastTimeout: 2 * time.Second},
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Keys:      f.keys,
		Signer:    f.signer,
		Coins:     f.coins,
		TxIndex:   f.txs,
		Chain:     f.chain,
		Transport: f.transport,
	}
}

func (f *fixture) manager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{
		WithClock(f.clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	m, err := NewManager(f.cfg, f.db, f.deps(), opts...)
	require.NoError(t, err)
	return m
}

// collateral funds a wallet output of value and returns its txid and address.
func (f *fixture) collateral(t *testing.T, value int64, confirmations int64) (string, string) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	addr, err := crypto.P2PKHAddress(key.PubKey(), crypto.MainNet)
	require.NoError(t, err)
	f.signer.byAddress[addr] = key
	txid := hex.EncodeToString(key.PubKey()[1:33])
	f.txs.txs[txid] = Transaction{TxID: txid, Outputs: []TxOutput{{Address: "Sother", Value: 5}, {Address: addr, Value: value}}}
	f.txs.confs[txid] = confirmations
	f.coins.unspent = append(f.coins.unspent, Unspent{TxID: txid, OutputIndex: 1, Address: addr, Value: value, Confirmations: confirmations})
	return txid, addr
}

// ready adds a fully resolved record eligible for signing.
func (f *fixture) ready(t *testing.T, m *Manager, alias string) Record {
	t.Helper()
	txid, _ := f.collateral(t, m.Config().CollateralValue, 20)
	delegate := f.keys.add(t)
	require.NoError(t, m.Add(Record{
		Alias:       alias,
		Addr:        NetworkAddress{IP: "203.0.113.7", Port: 9678},
		Vin:         Vin{PrevoutHash: txid, PrevoutN: 1},
		DelegateKey: delegate.PubKey(),
	}))
	outcome, err := m.Resolve(alias)
	require.NoError(t, err)
	require.Equal(t, ResolveResolved, outcome)
	rec, ok := m.Get(alias)
	require.True(t, ok)
	return rec
}

func testWIF(t *testing.T) (string, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	wif, err := key.WIF(crypto.MainNet)
	require.NoError(t, err)
	return wif, key
}

func randomTxID(seed byte) string {
	return strings.Repeat(fmt.Sprintf("%02x", seed), 32)
}
