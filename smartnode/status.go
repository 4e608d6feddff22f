package smartnode

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"smartwallet/network"
)

// Status is a network-reported smartnode state.
type Status string

// Statuses reported by the relay.
const (
	StatusPreEnabled       Status = "PRE_ENABLED"
	StatusEnabled          Status = "ENABLED"
	StatusExpired          Status = "EXPIRED"
	StatusNewStartRequired Status = "NEW_START_REQUIRED"
	StatusUpdateRequired   Status = "UPDATE_REQUIRED"
	StatusPoseBan          Status = "POSE_BAN"
	StatusOutpointSpent    Status = "OUTPOINT_SPENT"
)

// Client-side statuses.
const (
	// StatusUnknown means no reply has been seen and no subscription is overdue.
	StatusUnknown Status = "UNKNOWN"
	// StatusMissing means a subscription has gone unanswered for too long.
	StatusMissing Status = "MISSING"
	// StatusNotObserved means the relay answered but does not know the node.
	StatusNotObserved Status = "NOT_OBSERVED"
)

// ParseStatus normalises a relay status token.
func ParseStatus(raw string) Status {
	token := strings.ToUpper(strings.TrimSpace(raw))
	token = strings.NewReplacer("-", "_", " ", "_").Replace(token)
	switch token {
	case "":
		return StatusNotObserved
	case "POSE_BANNED", "POSEBAN":
		return StatusPoseBan
	case "PREENABLED":
		return StatusPreEnabled
	}
	return Status(token)
}

// StatusEntry is the latest status seen for a collateral identity.
type StatusEntry struct {
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusTracker maps collateral identities to their last reported status and
// remembers when each subscription was issued. It is not synchronised.
type StatusTracker struct {
	missingAfter time.Duration
	entries      map[string]StatusEntry
	pending      map[string]time.Time
}

// NewStatusTracker returns an empty tracker.
func NewStatusTracker(missingAfter time.Duration) *StatusTracker {
	return &StatusTracker{
		missingAfter: missingAfter,
		entries:      make(map[string]StatusEntry),
		pending:      make(map[string]time.Time),
	}
}

// Entry returns the stored entry for id.
func (t *StatusTracker) Entry(id string) (StatusEntry, bool) {
	entry, ok := t.entries[id]
	return entry, ok
}

// Status returns the stored status, MISSING for an overdue subscription and
// UNKNOWN otherwise.
func (t *StatusTracker) Status(id string, now time.Time) Status {
	if entry, ok := t.entries[id]; ok {
		return entry.Status
	}
	if since, ok := t.pending[id]; ok && now.Sub(since) > t.missingAfter {
		return StatusMissing
	}
	return StatusUnknown
}

func (t *StatusTracker) needsSubscription(id string) bool {
	if _, ok := t.entries[id]; ok {
		return false
	}
	_, pending := t.pending[id]
	return !pending
}

func (t *StatusTracker) markSubscribed(id string, now time.Time) {
	if _, ok := t.pending[id]; !ok {
		t.pending[id] = now
	}
}

// resubscribed restarts the silence window of id for a fresh subscription.
func (t *StatusTracker) resubscribed(id string, now time.Time) {
	t.pending[id] = now
}

func (t *StatusTracker) unmark(id string) {
	delete(t.pending, id)
}

func (t *StatusTracker) apply(id string, status Status, now time.Time) {
	t.entries[id] = StatusEntry{Status: status, UpdatedAt: now}
}

func (t *StatusTracker) forget(id string) {
	delete(t.entries, id)
	delete(t.pending, id)
}

// SubscribeMissing subscribes every record that has neither a status entry nor
// an outstanding subscription. It does nothing while disconnected.
func (m *Manager) SubscribeMissing(ctx context.Context) (int, error) {
	if !m.deps.Transport.IsConnected() {
		return 0, nil
	}
	m.mu.Lock()
	ids := make([]string, 0)
	for _, rec := range m.store.All() {
		if !rec.HasCollateralRef() {
			continue
		}
		id := rec.CollateralIdentity()
		if m.tracker.needsSubscription(id) {
			m.tracker.markSubscribed(id, m.now())
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	n, err := m.subscribe(ctx, ids)
	m.metrics.RecordSubscriptions("missing", n)
	return n, err
}

// SubscribeAll subscribes every record regardless of known status.
func (m *Manager) SubscribeAll(ctx context.Context) (int, error) {
	if !m.deps.Transport.IsConnected() {
		return 0, ErrNotConnected
	}
	m.mu.Lock()
	ids := make([]string, 0, m.store.Len())
	for _, rec := range m.store.All() {
		if rec.HasCollateralRef() {
			id := rec.CollateralIdentity()
			m.tracker.resubscribed(id, m.now())
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	n, err := m.subscribe(ctx, ids)
	m.metrics.RecordSubscriptions("all", n)
	return n, err
}

// subscribe issues one request per id. Ids must already be marked as
// subscribed; those not sent are unmarked so a later pass retries them.
func (m *Manager) subscribe(ctx context.Context, ids []string) (int, error) {
	for i, id := range ids {
		err := m.waitSubscribeSlot(ctx)
		if err == nil {
			req := network.Request{Method: MethodSubscribe, Params: []any{id}}
			if sendErr := m.deps.Transport.Send([]network.Request{req}, m.onStatusResponse); sendErr != nil {
				err = fmt.Errorf("smartnode: subscribe %s: %w", id, sendErr)
			}
		}
		if err != nil {
			m.mu.Lock()
			for _, unsent := range ids[i:] {
				m.tracker.unmark(unsent)
			}
			m.mu.Unlock()
			return i, err
		}
	}
	return len(ids), nil
}

func (m *Manager) waitSubscribeSlot(ctx context.Context) error {
	if m.limiter != nil {
		return m.limiter.Wait(ctx)
	}
	return ctx.Err()
}

// onStatusResponse handles both the subscribe reply and later notifications.
func (m *Manager) onStatusResponse(resp network.Response) {
	id, ok := resp.StringParam(0)
	if !ok {
		m.logger.Warn("status response without collateral identity", slog.String("method", resp.Method))
		return
	}
	if resp.Error != nil {
		// The relay answered, so the next SubscribeMissing pass retries id.
		m.mu.Lock()
		m.tracker.unmark(id)
		m.mu.Unlock()
		m.logger.Warn("status subscription failed", slog.String("collateral", id), slog.Any("error", resp.Err()))
		return
	}
	raw, err := resp.StringResult()
	if err != nil {
		m.logger.Warn("malformed status response", slog.String("collateral", id), slog.Any("error", err))
		return
	}
	m.HandleStatusPush(id, raw)
}

// HandleStatusPush applies a status for collateral identity id. A nil status
// records NOT_OBSERVED. Pushes for identities no record uses are dropped and
// reported as false.
func (m *Manager) HandleStatusPush(id string, raw *string) bool {
	status := StatusNotObserved
	if raw != nil {
		status = ParseStatus(*raw)
	}
	m.mu.Lock()
	rec := m.store.ByCollateralIdentity(id)
	if rec == nil {
		m.mu.Unlock()
		m.metrics.RecordStatusPush("dropped")
		m.logger.Debug("dropped status for unknown collateral", slog.String("collateral", id))
		return false
	}
	alias := rec.Alias
	m.tracker.apply(id, status, m.now())
	m.mu.Unlock()

	m.metrics.RecordStatusPush(string(status))
	m.logger.Info("received updated status",
		slog.String("alias", alias),
		slog.String("collateral", id),
		slog.String("status", string(status)))
	return true
}

// Status returns the tracked status of collateral identity id.
func (m *Manager) Status(id string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker.Status(id, m.now())
}

// StatusEntry returns the stored status entry of id, if any reply was seen.
func (m *Manager) StatusEntry(id string) (StatusEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker.Entry(id)
}
