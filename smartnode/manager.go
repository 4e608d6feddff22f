package smartnode

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"smartwallet/observability"
	"smartwallet/storage"
)

// Manager coordinates the smartnode records of one wallet.
type Manager struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	metrics *observability.SmartnodeMetrics
	tracer  trace.Tracer
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.RWMutex
	store   *Store
	tracker *StatusTracker

	aliasMu    sync.Mutex
	aliasLocks map[string]*aliasLock
}

// Option customises the manager instance.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(metrics *observability.SmartnodeMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.now = clock }
}

// WithTracer overrides the tracer used for sign and broadcast spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// NewManager loads the persisted records from db and returns a manager using deps.
func NewManager(cfg Config, db storage.Database, deps Deps, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("smartnode: database required")
	}
	switch {
	case deps.Keys == nil:
		return nil, fmt.Errorf("smartnode: key store required")
	case deps.Signer == nil:
		return nil, fmt.Errorf("smartnode: message signer required")
	case deps.Coins == nil:
		return nil, fmt.Errorf("smartnode: coin source required")
	case deps.TxIndex == nil:
		return nil, fmt.Errorf("smartnode: transaction index required")
	case deps.Chain == nil:
		return nil, fmt.Errorf("smartnode: chain required")
	case deps.Transport == nil:
		return nil, fmt.Errorf("smartnode: transport required")
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:        cfg,
		deps:       deps,
		logger:     slog.Default(),
		metrics:    observability.Smartnode(),
		tracer:     otel.Tracer("smartwallet/smartnode"),
		now:        time.Now,
		store:      NewStore(db),
		tracker:    NewStatusTracker(cfg.MissingAfter),
		aliasLocks: make(map[string]*aliasLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "smartnode")
	if cfg.SubscribeRate > 0 {
		burst := int(cfg.SubscribeRate)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.SubscribeRate), burst)
	}
	if err := m.store.Load(); err != nil {
		return nil, err
	}
	m.metrics.SetRecords(m.store.Len())
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Add stores a new record and persists the set.
func (m *Manager) Add(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.addLocked(rec)
	return err
}

func (m *Manager) addLocked(rec Record) (*Record, error) {
	stored, err := m.store.Add(rec)
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(); err != nil {
		_, _ = m.store.Remove(stored.Alias)
		return nil, err
	}
	m.metrics.SetRecords(m.store.Len())
	return stored, nil
}

// Remove deletes alias. The delegate key is forgotten when no remaining record
// uses it, and the collateral address is unfrozen.
func (m *Manager) Remove(alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.store.Get(alias)
	if rec == nil {
		return ErrNotFound
	}
	if len(rec.DelegateKey) > 0 && !m.store.sharesDelegateKey(rec.DelegateKey, rec) {
		if err := m.deps.Keys.ForgetDelegateKey(rec.DelegateKey); err != nil {
			return fmt.Errorf("smartnode: forget delegate key: %w", err)
		}
	}
	if rec.Vin.Address != "" {
		if err := m.deps.Coins.SetFrozen([]string{rec.Vin.Address}, false); err != nil {
			return fmt.Errorf("smartnode: unfreeze collateral: %w", err)
		}
	}
	removed, err := m.store.Remove(alias)
	if err != nil {
		return err
	}
	if err := m.store.Save(); err != nil {
		m.store.restore(removed)
		return err
	}
	if removed.HasCollateralRef() && m.store.ByCollateralIdentity(removed.CollateralIdentity()) == nil {
		m.tracker.forget(removed.CollateralIdentity())
	}
	m.metrics.SetRecords(m.store.Len())
	m.logger.Info("removed smartnode", slog.String("alias", alias))
	return nil
}

// Update replaces the editable fields of alias with those of rec: alias,
// address, delegate key and collateral reference. Changing the collateral
// reference clears the resolved collateral fields and unfreezes the old
// collateral address. A replaced delegate key no other record uses is forgotten.
func (m *Manager) Update(alias string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.store.Get(alias)
	if cur == nil {
		return ErrNotFound
	}
	newAlias := strings.TrimSpace(rec.Alias)
	if newAlias == "" {
		return ErrEmptyAlias
	}
	if newAlias != alias && m.store.Get(newAlias) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateAlias, newAlias)
	}
	collateralChanged := rec.Vin.PrevoutHash != cur.Vin.PrevoutHash || rec.Vin.PrevoutN != cur.Vin.PrevoutN
	if collateralChanged && rec.HasCollateralRef() {
		if other := m.store.ByCollateralIdentity(rec.CollateralIdentity()); other != nil && other != cur {
			return fmt.Errorf("%w: %s", ErrDuplicateCollateral, rec.CollateralIdentity())
		}
	}

	prev := cur.Clone()
	keyChanged := !bytes.Equal(cur.DelegateKey, rec.DelegateKey)
	cur.Alias = newAlias
	cur.Addr = rec.Addr
	if keyChanged {
		cur.DelegateKey = append(HexBytes(nil), rec.DelegateKey...)
	}
	if collateralChanged {
		cur.Vin = Vin{PrevoutHash: rec.Vin.PrevoutHash, PrevoutN: rec.Vin.PrevoutN}
		cur.CollateralKey = nil
	}
	if err := m.store.Save(); err != nil {
		*cur = prev
		return err
	}
	if collateralChanged {
		m.releaseCollateralLocked(prev)
	}
	if keyChanged {
		m.forgetUnusedLocked(prev.DelegateKey)
	}
	return nil
}

// releaseCollateralLocked unfreezes the address of a collateral no record
// uses any more and drops its tracked status.
func (m *Manager) releaseCollateralLocked(prev Record) {
	if prev.Vin.Address != "" && !m.store.usesAddress(prev.Vin.Address, nil) {
		if err := m.deps.Coins.SetFrozen([]string{prev.Vin.Address}, false); err != nil {
			m.logger.Warn("unfreeze replaced collateral failed",
				slog.String("alias", prev.Alias),
				slog.String("address", prev.Vin.Address),
				slog.Any("error", err))
		}
	}
	if prev.HasCollateralRef() && m.store.ByCollateralIdentity(prev.CollateralIdentity()) == nil {
		m.tracker.forget(prev.CollateralIdentity())
	}
}

// Get returns a copy of the record for alias.
func (m *Manager) Get(alias string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloned(m.store.Get(alias))
}

// ByCollateralIdentity returns a copy of the record using the txid:n outpoint.
func (m *Manager) ByCollateralIdentity(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloned(m.store.ByCollateralIdentity(id))
}

// ByHash returns a copy of the record whose announce hash is hash.
func (m *Manager) ByHash(hash string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloned(m.store.ByHash(hash))
}

// List returns copies of every record.
func (m *Manager) List() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, m.store.Len())
	for _, rec := range m.store.All() {
		out = append(out, rec.Clone())
	}
	return out
}

func cloned(rec *Record) (Record, bool) {
	if rec == nil {
		return Record{}, false
	}
	return rec.Clone(), true
}

type aliasLock struct {
	mu   sync.Mutex
	refs int
}

// lockAlias serialises sign and broadcast for one alias. The entry is dropped
// once the last holder or waiter releases it.
func (m *Manager) lockAlias(alias string) func() {
	m.aliasMu.Lock()
	l, ok := m.aliasLocks[alias]
	if !ok {
		l = &aliasLock{}
		m.aliasLocks[alias] = l
	}
	l.refs++
	m.aliasMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.aliasMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.aliasLocks, alias)
		}
		m.aliasMu.Unlock()
	}
}
