package smartnoded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"smartwallet/crypto"
	"smartwallet/smartnode"
)

const dialTimeout = 10 * time.Second

// Coordinator is the slice of smartnode.Manager the daemon drives.
type Coordinator interface {
	Config() smartnode.Config
	List() []smartnode.Record
	Get(alias string) (smartnode.Record, bool)
	ByCollateralIdentity(id string) (smartnode.Record, bool)
	ByHash(hash string) (smartnode.Record, bool)
	Create(node smartnode.NewNode, passphrase string) (smartnode.Created, error)
	Edit(alias string, e smartnode.Edit, passphrase string) (smartnode.Record, error)
	Remove(alias string) error
	ImportBatch(ctx context.Context, lines []smartnode.ConfLine, passphrase string) smartnode.ImportReport
	SignAnnounce(ctx context.Context, alias, passphrase string) (smartnode.Record, error)
	SendAnnounce(ctx context.Context, alias string) (smartnode.BroadcastResult, error)
	Announce(ctx context.Context, alias, passphrase string) (smartnode.BroadcastResult, error)
	CheckStatus(alias string) (smartnode.Status, error)
	StatusEntry(id string) (smartnode.StatusEntry, bool)
	ResolvePending() (int, error)
	SubscribeMissing(ctx context.Context) (int, error)
	SubscribeAll(ctx context.Context) (int, error)
	EligibleCollateralOutputs(excludeFrozen bool) ([]smartnode.Unspent, error)
}

// Syncer refreshes the wallet view of the chain.
type Syncer interface {
	Sync(ctx context.Context) error
	LocalHeight() int64
}

// Connection is the websocket link to the wallet server.
type Connection interface {
	IsConnected() bool
	Dial(ctx context.Context) error
	Run(ctx context.Context) error
}

// KeyImporter stores wallet keys.
type KeyImporter interface {
	ImportWIF(wif, passphrase string, kind crypto.KeyKind) ([]byte, error)
	Addresses(kind crypto.KeyKind) []string
}

// Service runs the reconciliation loop: connect, sync the wallet, resolve
// pending collateral and subscribe to unknown statuses.
type Service struct {
	coord    Coordinator
	wallet   Syncer
	conn     Connection
	keys     KeyImporter
	logger   *slog.Logger
	metrics  *Metrics
	interval time.Duration
	now      func() time.Time

	// passMu serialises passes; running tracks the reader goroutine.
	passMu  sync.Mutex
	running atomic.Bool
}

// ServiceOption customises the service.
type ServiceOption func(*Service)

// WithLogger overrides the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithPollInterval configures the reconciliation cadence.
func WithPollInterval(interval time.Duration) ServiceOption {
	return func(s *Service) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewService wires the coordinator to its wallet and connection.
func NewService(coord Coordinator, wallet Syncer, conn Connection, keys KeyImporter, opts ...ServiceOption) (*Service, error) {
	if coord == nil || wallet == nil || conn == nil || keys == nil {
		return nil, errors.New("smartnoded: coordinator, wallet, connection and keys are required")
	}
	s := &Service{
		coord:    coord,
		wallet:   wallet,
		conn:     conn,
		keys:     keys,
		logger:   slog.Default(),
		metrics:  NewMetrics(),
		interval: 15 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "smartnoded"))
	return s, nil
}

// Run executes passes until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Pass(ctx)
		}
	}
}

// Pass performs one reconciliation round. Stage failures are logged and
// counted; later stages still run when they do not depend on the failed one.
func (s *Service) Pass(ctx context.Context) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := s.now()
	if err := s.ensureConnected(ctx); err != nil {
		s.metrics.RecordSyncError("connect")
		s.logger.Warn("wallet server unreachable", slog.Any("error", err))
		return
	}
	if err := s.wallet.Sync(ctx); err != nil {
		s.metrics.RecordSyncError("sync")
		s.logger.Warn("wallet sync failed", slog.Any("error", err))
		return
	}
	if n, err := s.coord.ResolvePending(); err != nil {
		s.metrics.RecordSyncError("resolve")
		s.logger.Warn("collateral resolution incomplete", slog.Int("resolved", n), slog.Any("error", err))
	} else if n > 0 {
		s.logger.Info("collateral resolved", slog.Int("resolved", n))
	}
	if _, err := s.coord.SubscribeMissing(ctx); err != nil {
		s.metrics.RecordSyncError("subscribe")
		s.logger.Warn("status subscription failed", slog.Any("error", err))
	}
	s.metrics.ObserveSync(s.now().Sub(start), s.now(), s.wallet.LocalHeight())
}

// ensureConnected dials when the link is down and, after a fresh connection,
// re-subscribes every record since the server forgets subscriptions on
// disconnect.
func (s *Service) ensureConnected(ctx context.Context) error {
	if s.conn.IsConnected() {
		return nil
	}
	if s.running.Load() {
		return fmt.Errorf("smartnoded: connection closing")
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	err := s.conn.Dial(dialCtx)
	cancel()
	if err != nil {
		return err
	}
	s.running.Store(true)
	go func() {
		defer s.running.Store(false)
		if err := s.conn.Run(ctx); err != nil {
			s.logger.Warn("wallet server connection lost", slog.Any("error", err))
		}
	}()
	s.logger.Info("connected to wallet server")
	if _, err := s.coord.SubscribeAll(ctx); err != nil {
		s.metrics.RecordSyncError("subscribe")
		s.logger.Warn("re-subscribe failed", slog.Any("error", err))
	}
	return nil
}

// Refresh re-issues a status subscription for every referenced record.
func (s *Service) Refresh(ctx context.Context) (int, error) {
	return s.coord.SubscribeAll(ctx)
}
