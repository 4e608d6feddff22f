package smartnode

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"smartwallet/network"
)

// BroadcastResult is the outcome of one announce broadcast. Error carries the
// relay's rejection or a malformed reply; it is empty on success.
type BroadcastResult struct {
	Error     string `json:"error,omitempty"`
	Announced bool   `json:"announced"`
}

// announceEntry is the per-hash member of a masternode.announce.broadcast reply:
// {"<hash>": {"<hash>": "successful"}} or {"<hash>": {"errorMessage": "..."}}.
type announceEntry struct {
	Status       string
	ErrorMessage string
}

const announceSuccessful = "successful"

// Announce signs and broadcasts alias in one step.
func (m *Manager) Announce(ctx context.Context, alias, passphrase string) (BroadcastResult, error) {
	unlock := m.lockAlias(alias)
	defer unlock()
	if _, err := m.signLocked(ctx, alias, passphrase); err != nil {
		return BroadcastResult{}, err
	}
	return m.sendLocked(ctx, alias)
}

// SendAnnounce relays the signed announce of alias and waits for the relay's
// reply, bounded by the context deadline or Config.BroadcastTimeout.
func (m *Manager) SendAnnounce(ctx context.Context, alias string) (BroadcastResult, error) {
	unlock := m.lockAlias(alias)
	defer unlock()
	return m.sendLocked(ctx, alias)
}

func (m *Manager) sendLocked(ctx context.Context, alias string) (BroadcastResult, error) {
	ctx, span := m.tracer.Start(ctx, "smartnode.broadcast_announce")
	defer span.End()
	span.SetAttributes(attribute.String("smartnode.alias", alias))

	result, err := m.broadcast(ctx, alias)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(attribute.Bool("smartnode.announced", result.Announced))
	if result.Error != "" {
		span.SetStatus(codes.Error, result.Error)
	}
	return result, nil
}

func (m *Manager) broadcast(ctx context.Context, alias string) (BroadcastResult, error) {
	if !m.deps.Transport.IsConnected() {
		return BroadcastResult{}, ErrNotConnected
	}
	m.mu.RLock()
	rec, ok := cloned(m.store.Get(alias))
	m.mu.RUnlock()
	if !ok {
		return BroadcastResult{}, ErrNotFound
	}
	if len(rec.Sig) == 0 {
		return BroadcastResult{}, fmt.Errorf("%w: %s", ErrNotSigned, alias)
	}
	payload, err := rec.Serialize()
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("smartnode: serialize announce: %w", err)
	}
	hash, err := rec.Hash()
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("smartnode: announce hash: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.BroadcastTimeout)
		defer cancel()
	}

	done := make(chan string, 1)
	start := m.now()
	req := network.Request{Method: MethodAnnounceBroadcast, Params: []any{"01" + hex.EncodeToString(payload)}}
	if err := m.deps.Transport.Send([]network.Request{req}, func(resp network.Response) {
		m.onAnnounceReply(alias, hash, resp, done)
	}); err != nil {
		m.metrics.RecordAnnounce("error", 0)
		return BroadcastResult{}, fmt.Errorf("smartnode: send announce: %w", err)
	}

	var rejection string
	select {
	case rejection = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			m.metrics.RecordAnnounce("timeout", 0)
			m.logger.Warn("announce reply timed out", slog.String("alias", alias), slog.String("hash", hash))
			return BroadcastResult{}, fmt.Errorf("%w: %s", ErrBroadcastTimeout, alias)
		}
		return BroadcastResult{}, ctx.Err()
	}

	if _, err := m.SubscribeMissing(ctx); err != nil {
		m.logger.Warn("subscribe after announce failed", slog.String("alias", alias), slog.Any("error", err))
	}

	m.mu.RLock()
	cur, ok := cloned(m.store.Get(alias))
	m.mu.RUnlock()
	result := BroadcastResult{Error: rejection, Announced: ok && cur.Announced}
	elapsed := m.now().Sub(start)
	if rejection != "" {
		m.metrics.RecordAnnounce("rejected", elapsed)
		m.logger.Warn("announce rejected", slog.String("alias", alias), slog.String("reason", rejection))
	} else {
		m.metrics.RecordAnnounce("announced", elapsed)
		m.logger.Info("announce accepted", slog.String("alias", alias), slog.String("hash", hash))
	}
	return result, nil
}

// onAnnounceReply runs on the transport goroutine. It always persists the
// store and signals the waiting caller, whatever the reply contained.
func (m *Manager) onAnnounceReply(alias, hash string, resp network.Response, done chan<- string) {
	var rejection string
	defer func() {
		m.mu.Lock()
		if err := m.store.Save(); err != nil {
			m.logger.Error("persist after announce reply failed", slog.String("alias", alias), slog.Any("error", err))
		}
		m.mu.Unlock()
		select {
		case done <- rejection:
		default:
		}
	}()

	if err := parseAnnounceResponse(resp, hash); err != nil {
		rejection = err.Error()
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.store.Get(alias)
	if rec == nil {
		rejection = ErrNotFound.Error()
		return
	}
	rec.Announced = true
}

// parseAnnounceResponse returns nil only when the relay acknowledged hash as
// successful.
func parseAnnounceResponse(resp network.Response, hash string) error {
	if resp.Error != nil {
		return fmt.Errorf("%w: %s", ErrErrorResponse, resp.Error.Error())
	}
	if !resp.HasResult() {
		return fmt.Errorf("%w: empty result", ErrUnexpectedResponse)
	}
	var byHash map[string]json.RawMessage
	if err := json.Unmarshal(resp.Result, &byHash); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	raw, ok := byHash[hash]
	if !ok {
		return fmt.Errorf("%w: no result for announce %s", ErrUnexpectedResponse, hash)
	}
	entry, err := decodeAnnounceEntry(raw, hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if entry.ErrorMessage != "" {
		return fmt.Errorf("%w: %s", ErrAnnounceRejected, entry.ErrorMessage)
	}
	if entry.Status != announceSuccessful {
		return fmt.Errorf("%w: no error message specified", ErrAnnounceRejected)
	}
	return nil
}

func decodeAnnounceEntry(raw json.RawMessage, hash string) (announceEntry, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return announceEntry{}, err
	}
	var entry announceEntry
	if msg, ok := fields["errorMessage"].(string); ok {
		entry.ErrorMessage = msg
	}
	if status, ok := fields[hash].(string); ok {
		entry.Status = status
	}
	return entry, nil
}
