package smartnode

import (
	"errors"
	"fmt"
	"log/slog"
)

// ResolveOutcome reports what Resolve did.
type ResolveOutcome string

const (
	ResolveResolved        ResolveOutcome = "resolved"
	ResolveAlreadyResolved ResolveOutcome = "already-resolved"
	ResolvePending         ResolveOutcome = "pending"
)

// Resolve fills in the collateral address, value and public key of alias from
// the wallet's transaction index. It returns ResolvePending while the
// transaction is not known locally.
func (m *Manager) Resolve(alias string) (ResolveOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.store.Get(alias)
	if rec == nil {
		return "", ErrNotFound
	}
	return m.resolveLocked(rec)
}

// ResolvePending runs Resolve over every record and returns how many were
// newly resolved.
func (m *Manager) ResolvePending() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resolved := 0
	var errs []error
	for _, rec := range m.store.All() {
		outcome, err := m.resolveLocked(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.Alias, err))
			continue
		}
		if outcome == ResolveResolved {
			resolved++
		}
	}
	return resolved, errors.Join(errs...)
}

func (m *Manager) resolveLocked(rec *Record) (ResolveOutcome, error) {
	outcome, err := m.resolveRecord(rec)
	if err != nil {
		m.metrics.RecordResolution("error")
		return "", err
	}
	m.metrics.RecordResolution(string(outcome))
	return outcome, nil
}

func (m *Manager) resolveRecord(rec *Record) (ResolveOutcome, error) {
	if rec.Announced {
		return ResolveAlreadyResolved, nil
	}
	if !rec.HasCollateralRef() {
		return ResolvePending, nil
	}
	if rec.Vin.Address != "" && rec.Vin.Value == m.cfg.CollateralValue && len(rec.CollateralKey) > 0 {
		return ResolveAlreadyResolved, nil
	}
	tx, ok := m.deps.TxIndex.Transaction(rec.Vin.PrevoutHash)
	if !ok {
		return ResolvePending, nil
	}
	if int(rec.Vin.PrevoutN) >= len(tx.Outputs) {
		return ResolvePending, nil
	}
	out := tx.Outputs[rec.Vin.PrevoutN]
	keys, err := m.deps.Signer.PublicKeysFor(out.Address)
	if err != nil {
		return "", fmt.Errorf("smartnode: collateral key for %s: %w", out.Address, err)
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("smartnode: wallet holds no key for collateral address %s", out.Address)
	}

	prev := rec.Clone()
	empty := ""
	rec.Vin.Address = out.Address
	rec.Vin.Value = out.Value
	rec.Vin.ScriptSig = &empty
	rec.CollateralKey = append(HexBytes(nil), keys[0]...)
	if err := m.store.Save(); err != nil {
		*rec = prev
		return "", err
	}
	m.logger.Info("resolved collateral",
		slog.String("alias", rec.Alias),
		slog.String("collateral", rec.CollateralIdentity()),
		slog.String("address", out.Address),
		slog.Int64("value", out.Value))
	return ResolveResolved, nil
}

// EligibleCollateralOutputs lists confirmed, mature wallet outputs of exactly
// the collateral value that no record uses yet.
func (m *Manager) EligibleCollateralOutputs(excludeFrozen bool) ([]Unspent, error) {
	coins, err := m.deps.Coins.ListUnspent(UnspentFilter{
		ExcludeFrozen: excludeFrozen,
		ConfirmedOnly: true,
		MatureOnly:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("smartnode: list unspent: %w", err)
	}

	m.mu.RLock()
	used := make(map[string]struct{}, m.store.Len())
	for _, rec := range m.store.All() {
		if rec.HasCollateralRef() {
			used[rec.CollateralIdentity()] = struct{}{}
		}
	}
	m.mu.RUnlock()

	eligible := make([]Unspent, 0, len(coins))
	for _, coin := range coins {
		if coin.Value != m.cfg.CollateralValue {
			continue
		}
		if _, taken := used[coin.Identity()]; taken {
			continue
		}
		eligible = append(eligible, coin)
	}
	return eligible, nil
}
