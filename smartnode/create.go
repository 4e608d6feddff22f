package smartnode

import (
	"fmt"
	"log/slog"
	"strings"

	"smartwallet/crypto"
)

// NewNode describes a smartnode backed by one of the wallet's eligible
// collateral outputs. A delegate key is generated when DelegateWIF is empty.
type NewNode struct {
	Alias       string
	Addr        NetworkAddress
	TxID        string
	OutputIndex uint32
	DelegateWIF string
}

// Created reports a new smartnode. DelegateWIF is set only when the key was
// generated, so the operator can copy it to the smartnode's configuration.
type Created struct {
	Record      Record
	DelegateWIF string
	Resolution  ResolveOutcome
}

// Create stores a smartnode for node, imports its delegate key and freezes the
// collateral address so the wallet does not spend it. Nothing is kept when
// freezing fails.
func (m *Manager) Create(node NewNode, passphrase string) (Created, error) {
	alias := strings.TrimSpace(node.Alias)
	if alias == "" {
		return Created{}, ErrEmptyAlias
	}
	if node.Addr.IP == "" {
		return Created{}, ErrMissingAddress
	}
	txid := strings.ToLower(node.TxID)
	id := CollateralIdentity(txid, node.OutputIndex)

	m.mu.RLock()
	dupAlias := m.store.Get(alias) != nil
	dupCollateral := m.store.ByCollateralIdentity(id) != nil
	m.mu.RUnlock()
	switch {
	case dupAlias:
		return Created{}, fmt.Errorf("%w: %s", ErrDuplicateAlias, alias)
	case dupCollateral:
		return Created{}, fmt.Errorf("%w: %s", ErrDuplicateCollateral, id)
	}

	coin, err := m.eligibleOutput(id)
	if err != nil {
		return Created{}, err
	}

	wif, generated := node.DelegateWIF, ""
	if wif == "" {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return Created{}, fmt.Errorf("smartnode: generate delegate key: %w", err)
		}
		if wif, err = key.WIF(m.cfg.Net); err != nil {
			return Created{}, fmt.Errorf("smartnode: encode delegate key: %w", err)
		}
		generated = wif
	}

	pub, fresh, err := m.importDelegate(wif, passphrase)
	if err != nil {
		return Created{}, err
	}
	if err := m.Add(Record{
		Alias:           alias,
		Addr:            node.Addr,
		Vin:             Vin{PrevoutHash: txid, PrevoutN: node.OutputIndex},
		DelegateKey:     pub,
		ProtocolVersion: m.cfg.ProtocolVersion,
	}); err != nil {
		if fresh {
			m.forgetUnused(pub)
		}
		return Created{}, err
	}

	if err := m.deps.Coins.SetFrozen([]string{coin.Address}, true); err != nil {
		m.drop(alias)
		if fresh {
			m.forgetUnused(pub)
		}
		return Created{}, fmt.Errorf("smartnode: freeze collateral: %w", err)
	}

	created := Created{DelegateWIF: generated}
	outcome, err := m.Resolve(alias)
	if err != nil {
		m.logger.Warn("collateral not resolved on create", slog.String("alias", alias), slog.Any("error", err))
	} else {
		created.Resolution = outcome
	}
	rec, ok := m.Get(alias)
	if !ok {
		return Created{}, ErrNotFound
	}
	created.Record = rec
	m.logger.Info("created smartnode",
		slog.String("alias", alias),
		slog.String("collateral", id),
		slog.Bool("generated_key", generated != ""))
	return created, nil
}

func (m *Manager) eligibleOutput(id string) (Unspent, error) {
	outputs, err := m.EligibleCollateralOutputs(false)
	if err != nil {
		return Unspent{}, err
	}
	for _, out := range outputs {
		if out.Identity() == id {
			return out, nil
		}
	}
	return Unspent{}, fmt.Errorf("%w: %s", ErrNotEligible, id)
}

// drop removes alias after a failed create.
func (m *Manager) drop(alias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed, err := m.store.Remove(alias)
	if err != nil {
		return
	}
	if err := m.store.Save(); err != nil {
		m.store.restore(removed)
		m.logger.Error("roll back create failed", slog.String("alias", alias), slog.Any("error", err))
		return
	}
	m.metrics.SetRecords(m.store.Len())
}

// Edit lists the fields to change on an existing smartnode. Nil fields are
// left as they are. Collateral is a txid:n outpoint.
type Edit struct {
	Alias       *string
	Addr        *NetworkAddress
	Collateral  *string
	DelegateWIF *string
}

// Edit applies e to alias through Update. A new delegate WIF is imported with
// passphrase first. A new collateral is resolved and, once its address is
// known, frozen.
func (m *Manager) Edit(alias string, e Edit, passphrase string) (Record, error) {
	cur, ok := m.Get(alias)
	if !ok {
		return Record{}, ErrNotFound
	}
	next := cur.Clone()
	if e.Alias != nil {
		next.Alias = strings.TrimSpace(*e.Alias)
	}
	if e.Addr != nil {
		next.Addr = *e.Addr
	}
	if e.Collateral != nil {
		txid, index, err := ParseCollateralIdentity(*e.Collateral)
		if err != nil {
			return Record{}, err
		}
		next.Vin = Vin{PrevoutHash: txid, PrevoutN: index}
	}

	var fresh []byte
	if e.DelegateWIF != nil {
		pub, isFresh, err := m.importDelegate(strings.TrimSpace(*e.DelegateWIF), passphrase)
		if err != nil {
			return Record{}, err
		}
		next.DelegateKey = pub
		if isFresh {
			fresh = pub
		}
	}

	if err := m.Update(alias, next); err != nil {
		if fresh != nil {
			m.forgetUnused(fresh)
		}
		return Record{}, err
	}

	collateralChanged := next.Vin.PrevoutHash != cur.Vin.PrevoutHash || next.Vin.PrevoutN != cur.Vin.PrevoutN
	if collateralChanged && next.HasCollateralRef() {
		if _, err := m.Resolve(next.Alias); err != nil {
			m.logger.Warn("collateral not resolved on edit", slog.String("alias", next.Alias), slog.Any("error", err))
		}
	}
	rec, ok := m.Get(next.Alias)
	if !ok {
		return Record{}, ErrNotFound
	}
	if collateralChanged && rec.Vin.Address != "" {
		if err := m.deps.Coins.SetFrozen([]string{rec.Vin.Address}, true); err != nil {
			return rec, fmt.Errorf("smartnode: freeze collateral: %w", err)
		}
	}
	m.logger.Info("edited smartnode", slog.String("alias", alias), slog.String("now", rec.Alias))
	return rec, nil
}
