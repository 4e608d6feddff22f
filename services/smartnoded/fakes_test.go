package smartnoded

import (
	"context"
	"errors"
	"sync"
	"time"

	"smartwallet/crypto"
	"smartwallet/smartnode"
)

type fakeCoordinator struct {
	mu sync.Mutex

	cfg          smartnode.Config
	records      map[string]smartnode.Record
	statuses     map[string]smartnode.Status
	outputs      []smartnode.Unspent
	announce     smartnode.BroadcastResult
	announceErr  error
	resolveErr   error
	subscribeErr error

	createErr    error
	generatedWIF string
	signErr      error
	statusAt     map[string]time.Time
	edits        []smartnode.Edit

	imported     [][]smartnode.ConfLine
	passphrases  []string
	resolves     int
	missingCalls int
	allCalls     int
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		cfg:      smartnode.DefaultConfig(),
		records:  make(map[string]smartnode.Record),
		statuses: make(map[string]smartnode.Status),
		statusAt: make(map[string]time.Time),
	}
}

func (f *fakeCoordinator) Config() smartnode.Config { return f.cfg }

func (f *fakeCoordinator) List() []smartnode.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]smartnode.Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out
}

func (f *fakeCoordinator) Get(alias string) (smartnode.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[alias]
	return rec, ok
}

func (f *fakeCoordinator) ByCollateralIdentity(id string) (smartnode.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.HasCollateralRef() && rec.CollateralIdentity() == id {
			return rec, true
		}
	}
	return smartnode.Record{}, false
}

func (f *fakeCoordinator) ByHash(hash string) (smartnode.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if h, err := rec.Hash(); err == nil && h == hash {
			return rec, true
		}
	}
	return smartnode.Record{}, false
}

func (f *fakeCoordinator) Create(node smartnode.NewNode, passphrase string) (smartnode.Created, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passphrases = append(f.passphrases, passphrase)
	if f.createErr != nil {
		return smartnode.Created{}, f.createErr
	}
	if _, dup := f.records[node.Alias]; dup {
		return smartnode.Created{}, smartnode.ErrDuplicateAlias
	}
	rec := smartnode.Record{
		Alias: node.Alias,
		Addr:  node.Addr,
		Vin:   smartnode.Vin{PrevoutHash: node.TxID, PrevoutN: node.OutputIndex},
	}
	f.records[node.Alias] = rec
	created := smartnode.Created{Record: rec, Resolution: smartnode.ResolvePending}
	if node.DelegateWIF == "" {
		created.DelegateWIF = f.generatedWIF
	}
	return created, nil
}

func (f *fakeCoordinator) Edit(alias string, e smartnode.Edit, passphrase string) (smartnode.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, e)
	f.passphrases = append(f.passphrases, passphrase)
	rec, ok := f.records[alias]
	if !ok {
		return smartnode.Record{}, smartnode.ErrNotFound
	}
	if e.Addr != nil {
		rec.Addr = *e.Addr
	}
	if e.Collateral != nil {
		txid, index, err := smartnode.ParseCollateralIdentity(*e.Collateral)
		if err != nil {
			return smartnode.Record{}, err
		}
		rec.Vin = smartnode.Vin{PrevoutHash: txid, PrevoutN: index}
	}
	if e.Alias != nil {
		if _, dup := f.records[*e.Alias]; dup && *e.Alias != alias {
			return smartnode.Record{}, smartnode.ErrDuplicateAlias
		}
		delete(f.records, alias)
		rec.Alias = *e.Alias
	}
	f.records[rec.Alias] = rec
	return rec, nil
}

func (f *fakeCoordinator) SignAnnounce(_ context.Context, alias, passphrase string) (smartnode.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passphrases = append(f.passphrases, passphrase)
	rec, ok := f.records[alias]
	if !ok {
		return smartnode.Record{}, smartnode.ErrNotFound
	}
	if f.signErr != nil {
		return smartnode.Record{}, f.signErr
	}
	rec.Sig = smartnode.HexBytes{0x1f, 0x01}
	f.records[alias] = rec
	return rec, nil
}

func (f *fakeCoordinator) SendAnnounce(_ context.Context, alias string) (smartnode.BroadcastResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[alias]
	if !ok {
		return smartnode.BroadcastResult{}, smartnode.ErrNotFound
	}
	if len(rec.Sig) == 0 {
		return smartnode.BroadcastResult{}, smartnode.ErrNotSigned
	}
	return f.announce, f.announceErr
}

func (f *fakeCoordinator) StatusEntry(id string) (smartnode.StatusEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for alias, rec := range f.records {
		if rec.HasCollateralRef() && rec.CollateralIdentity() == id {
			at, ok := f.statusAt[alias]
			if !ok {
				return smartnode.StatusEntry{}, false
			}
			return smartnode.StatusEntry{Status: f.statuses[alias], UpdatedAt: at}, true
		}
	}
	return smartnode.StatusEntry{}, false
}

func (f *fakeCoordinator) Remove(alias string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[alias]; !ok {
		return smartnode.ErrNotFound
	}
	delete(f.records, alias)
	return nil
}

func (f *fakeCoordinator) ImportBatch(_ context.Context, lines []smartnode.ConfLine, passphrase string) smartnode.ImportReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imported = append(f.imported, lines)
	f.passphrases = append(f.passphrases, passphrase)
	report := smartnode.ImportReport{}
	for _, line := range lines {
		if _, dup := f.records[line.Alias]; dup {
			report.Results = append(report.Results, smartnode.LineResult{
				Line:    line,
				Outcome: smartnode.ImportDuplicateAlias,
				Err:     smartnode.ErrDuplicateAlias,
			})
			continue
		}
		f.records[line.Alias] = smartnode.Record{Alias: line.Alias, Addr: line.Addr}
		report.Imported++
		report.Results = append(report.Results, smartnode.LineResult{
			Line:       line,
			Outcome:    smartnode.ImportImported,
			Resolution: smartnode.ResolvePending,
		})
	}
	return report
}

func (f *fakeCoordinator) Announce(_ context.Context, alias, passphrase string) (smartnode.BroadcastResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passphrases = append(f.passphrases, passphrase)
	if _, ok := f.records[alias]; !ok {
		return smartnode.BroadcastResult{}, smartnode.ErrNotFound
	}
	return f.announce, f.announceErr
}

func (f *fakeCoordinator) CheckStatus(alias string) (smartnode.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[alias]
	if !ok {
		return "", smartnode.ErrNotFound
	}
	if !rec.HasCollateralRef() {
		return "", smartnode.ErrMissingCollateralReference
	}
	if status, ok := f.statuses[alias]; ok {
		return status, nil
	}
	return smartnode.StatusUnknown, nil
}

func (f *fakeCoordinator) ResolvePending() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	return 0, f.resolveErr
}

func (f *fakeCoordinator) SubscribeMissing(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missingCalls++
	return 0, f.subscribeErr
}

func (f *fakeCoordinator) SubscribeAll(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allCalls++
	if f.subscribeErr != nil {
		return 0, f.subscribeErr
	}
	return len(f.records), nil
}

func (f *fakeCoordinator) EligibleCollateralOutputs(bool) ([]smartnode.Unspent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs, nil
}

func (f *fakeCoordinator) setRecord(rec smartnode.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.Alias] = rec
}

func (f *fakeCoordinator) record(alias string) smartnode.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[alias]
}

func (f *fakeCoordinator) has(alias string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[alias]
	return ok
}

func (f *fakeCoordinator) setStatus(alias string, status smartnode.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[alias] = status
}

func (f *fakeCoordinator) setStatusAt(alias string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusAt[alias] = at
}

func (f *fakeCoordinator) setCreate(generated string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generatedWIF, f.createErr = generated, err
}

func (f *fakeCoordinator) setSignErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signErr = err
}

func (f *fakeCoordinator) seenEdits() []smartnode.Edit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]smartnode.Edit(nil), f.edits...)
}

func (f *fakeCoordinator) setAnnounce(result smartnode.BroadcastResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announce, f.announceErr = result, err
}

func (f *fakeCoordinator) setSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

func (f *fakeCoordinator) setOutputs(outputs []smartnode.Unspent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = outputs
}

func (f *fakeCoordinator) seenPassphrases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.passphrases...)
}

func (f *fakeCoordinator) counts() (resolves, missing, all int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolves, f.missingCalls, f.allCalls
}

type fakeWallet struct {
	mu      sync.Mutex
	height  int64
	syncErr error
	syncs   int
}

func (w *fakeWallet) Sync(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncs++
	return w.syncErr
}

func (w *fakeWallet) LocalHeight() int64 { return w.height }

func (w *fakeWallet) syncCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncs
}

// fakeConn connects on Dial and stays up until closed.
type fakeConn struct {
	mu        sync.Mutex
	connected bool
	dialErr   error
	dials     int
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Dial(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	if c.dialErr != nil {
		return c.dialErr
	}
	c.connected = true
	return nil
}

func (c *fakeConn) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-c.closed:
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) dialCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

type fakeKeys struct {
	mu       sync.Mutex
	imported []string
	err      error
}

func (k *fakeKeys) setErr(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.err = err
}

func (k *fakeKeys) ImportWIF(wif, _ string, kind crypto.KeyKind) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return nil, k.err
	}
	if kind != crypto.KindWallet {
		return nil, errors.New("unexpected key kind")
	}
	key, err := crypto.DecodeWIF(wif)
	if err != nil {
		return nil, err
	}
	k.imported = append(k.imported, wif)
	return key.PubKey(), nil
}

func (k *fakeKeys) Addresses(crypto.KeyKind) []string { return nil }
