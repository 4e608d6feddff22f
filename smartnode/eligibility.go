package smartnode

import "fmt"

// CheckSignable reports the first reason alias cannot be announced, or nil.
// Every call reads fresh wallet state.
func (m *Manager) CheckSignable(alias string) error {
	m.mu.RLock()
	rec, ok := cloned(m.store.Get(alias))
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := m.checkCollateral(rec); err != nil {
		return err
	}
	return m.checkUnspent(rec)
}

// CheckStatus runs the collateral checks of CheckSignable and then returns the
// tracked network status of alias.
func (m *Manager) CheckStatus(alias string) (Status, error) {
	m.mu.RLock()
	rec, ok := cloned(m.store.Get(alias))
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	if err := m.checkCollateral(rec); err != nil {
		return "", err
	}
	return m.Status(rec.CollateralIdentity()), nil
}

func (m *Manager) checkCollateral(rec Record) error {
	if !rec.HasCollateralRef() {
		return ErrMissingCollateralReference
	}
	if len(rec.CollateralKey) == 0 {
		return ErrMissingCollateralKey
	}
	if len(rec.DelegateKey) == 0 {
		return ErrMissingDelegateKey
	}
	if rec.Addr.IP == "" {
		return ErrMissingAddress
	}
	if confs := m.deps.TxIndex.Confirmations(rec.Vin.PrevoutHash); confs < m.cfg.MinConfirmations {
		return fmt.Errorf("%w: collateral payment must have at least %d confirmations (current: %d)",
			ErrInsufficientConfirmations, m.cfg.MinConfirmations, confs)
	}
	if rec.Vin.Value != m.cfg.CollateralValue {
		return fmt.Errorf("%w: collateral must be %d base units (got %d)",
			ErrWrongCollateralValue, m.cfg.CollateralValue, rec.Vin.Value)
	}
	return nil
}

func (m *Manager) checkUnspent(rec Record) error {
	coins, err := m.deps.Coins.ListUnspent(UnspentFilter{Addresses: []string{rec.Vin.Address}})
	if err != nil {
		return fmt.Errorf("smartnode: list unspent: %w", err)
	}
	want := rec.CollateralIdentity()
	for _, coin := range coins {
		if coin.Identity() == want {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrCollateralSpent, want)
}
