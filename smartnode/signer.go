package smartnode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"smartwallet/crypto"
)

// SignAnnounce builds and signs the announce and ping for alias. The record
// is updated in memory only when every step succeeds; nothing is persisted.
func (m *Manager) SignAnnounce(ctx context.Context, alias, passphrase string) (Record, error) {
	unlock := m.lockAlias(alias)
	defer unlock()
	return m.signLocked(ctx, alias, passphrase)
}

func (m *Manager) signLocked(ctx context.Context, alias, passphrase string) (Record, error) {
	ctx, span := m.tracer.Start(ctx, "smartnode.sign_announce")
	defer span.End()
	span.SetAttributes(attribute.String("smartnode.alias", alias))

	rec, err := m.buildAnnounce(ctx, alias, passphrase)
	if err != nil {
		m.metrics.RecordSignFailure(signFailureReason(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Record{}, err
	}

	m.mu.Lock()
	cur := m.store.Get(alias)
	if cur == nil {
		m.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if err := commitSignature(cur, rec); err != nil {
		m.mu.Unlock()
		m.metrics.RecordSignFailure(signFailureReason(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Record{}, err
	}
	signed := cur.Clone()
	m.mu.Unlock()

	m.logger.Info("signed announce",
		slog.String("alias", alias),
		slog.String("collateral", rec.CollateralIdentity()),
		slog.String("ping_block", rec.LastPing.BlockHash))
	return signed, nil
}

// commitSignature copies the fields owned by the signer from signed into cur.
// It refuses when cur no longer matches what was signed over.
func commitSignature(cur *Record, signed Record) error {
	if cur.Vin.PrevoutHash != signed.Vin.PrevoutHash || cur.Vin.PrevoutN != signed.Vin.PrevoutN ||
		cur.Addr != signed.Addr ||
		!bytes.Equal(cur.CollateralKey, signed.CollateralKey) ||
		!bytes.Equal(cur.DelegateKey, signed.DelegateKey) {
		return fmt.Errorf("%w: %s", ErrRecordChanged, cur.Alias)
	}
	owned := signed.Clone()
	cur.Vin.ScriptSig = owned.Vin.ScriptSig
	cur.Vin.Sequence = owned.Vin.Sequence
	cur.ProtocolVersion = owned.ProtocolVersion
	cur.SigTime = owned.SigTime
	cur.Sig = owned.Sig
	cur.LastPing = owned.LastPing
	return nil
}

func (m *Manager) buildAnnounce(ctx context.Context, alias, passphrase string) (Record, error) {
	if err := m.CheckSignable(alias); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	working, ok := cloned(m.store.Get(alias))
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}

	empty := ""
	seq := maxSequence
	working.Vin.ScriptSig = &empty
	working.Vin.Sequence = &seq
	if working.ProtocolVersion == 0 {
		working.ProtocolVersion = m.cfg.ProtocolVersion
	}

	height := m.deps.Chain.LocalHeight() - m.cfg.PingBlockOffset
	if height < 0 {
		return Record{}, fmt.Errorf("%w: local height %d", ErrChainTooShort, m.deps.Chain.LocalHeight())
	}
	header, err := m.deps.Chain.ReadHeader(ctx, height)
	if err != nil {
		return Record{}, fmt.Errorf("smartnode: read header %d: %w", height, err)
	}

	now := m.now().Unix()
	working.LastPing = Ping{
		Vin:       working.Vin.clone(),
		BlockHash: header.Hash,
		SigTime:   now,
	}
	pingSig, err := m.deps.Keys.SignWithDelegate(working.DelegateKey, working.LastPing.SignatureMessage(), passphrase)
	if err != nil {
		return Record{}, fmt.Errorf("smartnode: sign ping: %w", err)
	}
	working.LastPing.Sig = pingSig

	address, err := crypto.P2PKHAddress(working.CollateralKey, m.cfg.Net)
	if err != nil {
		return Record{}, fmt.Errorf("smartnode: collateral address: %w", err)
	}
	working.SigTime = now
	sig, err := m.deps.Signer.SignMessage(address, working.SignatureMessage(), passphrase)
	if err != nil {
		return Record{}, fmt.Errorf("smartnode: sign announce: %w", err)
	}
	working.Sig = sig
	return working, nil
}

func signFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMissingCollateralReference), errors.Is(err, ErrMissingCollateralKey):
		return "unresolved_collateral"
	case errors.Is(err, ErrMissingDelegateKey):
		return "missing_delegate_key"
	case errors.Is(err, ErrMissingAddress):
		return "missing_address"
	case errors.Is(err, ErrInsufficientConfirmations):
		return "confirmations"
	case errors.Is(err, ErrWrongCollateralValue):
		return "collateral_value"
	case errors.Is(err, ErrCollateralSpent):
		return "collateral_spent"
	case errors.Is(err, ErrChainTooShort):
		return "chain"
	case errors.Is(err, ErrRecordChanged):
		return "changed"
	case errors.Is(err, crypto.ErrBadPassphrase):
		return "passphrase"
	default:
		return "signing"
	}
}
