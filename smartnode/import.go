package smartnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"smartwallet/crypto"
	"smartwallet/observability/logging"
)

// ImportOutcome classifies one imported line.
type ImportOutcome string

const (
	ImportImported            ImportOutcome = "imported"
	ImportDuplicateAlias      ImportOutcome = "duplicate-alias"
	ImportDuplicateCollateral ImportOutcome = "duplicate-collateral"
	ImportFailed              ImportOutcome = "failed"
)

// LineResult is the outcome of one imported line.
type LineResult struct {
	Line       ConfLine       `json:"line" yaml:"line"`
	Outcome    ImportOutcome  `json:"outcome" yaml:"outcome"`
	Resolution ResolveOutcome `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	Err        error          `json:"-" yaml:"-"`
}

// ImportReport summarises an ImportBatch call.
type ImportReport struct {
	Imported int          `json:"imported" yaml:"imported"`
	Results  []LineResult `json:"results" yaml:"results"`
}

// ImportBatch adds a record per line. Lines whose alias or collateral is
// already used are skipped, failures are reported per line, and the batch is
// never aborted by a single bad line.
func (m *Manager) ImportBatch(ctx context.Context, lines []ConfLine, passphrase string) ImportReport {
	report := ImportReport{Results: make([]LineResult, 0, len(lines))}
	for _, line := range lines {
		result := LineResult{Line: line}
		if err := ctx.Err(); err != nil {
			result.Outcome, result.Err = ImportFailed, err
		} else {
			result = m.importLine(line, passphrase)
		}
		if result.Outcome == ImportImported {
			report.Imported++
		}
		m.metrics.RecordImport(string(result.Outcome))
		report.Results = append(report.Results, result)
	}
	return report
}

func (m *Manager) importLine(line ConfLine, passphrase string) LineResult {
	result := LineResult{Line: line}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store.Get(line.Alias) != nil {
		result.Outcome = ImportDuplicateAlias
		return result
	}
	if m.store.ByCollateralIdentity(line.CollateralIdentity()) != nil {
		result.Outcome = ImportDuplicateCollateral
		return result
	}

	pub, fresh, err := m.importDelegate(line.WIF, passphrase)
	if err != nil {
		result.Outcome, result.Err = ImportFailed, err
		m.logger.Warn("import delegate key failed",
			slog.String("alias", line.Alias),
			logging.MaskField("wif", line.WIF),
			slog.Any("error", err))
		return result
	}

	stored, err := m.addLocked(Record{
		Alias:           line.Alias,
		Addr:            line.Addr,
		Vin:             Vin{PrevoutHash: line.TxID, PrevoutN: line.OutputIndex},
		DelegateKey:     pub,
		ProtocolVersion: m.cfg.ProtocolVersion,
	})
	if err != nil {
		if fresh {
			m.forgetUnusedLocked(pub)
		}
		result.Outcome, result.Err = ImportFailed, err
		return result
	}
	result.Outcome = ImportImported

	outcome, err := m.resolveLocked(stored)
	if err != nil {
		m.logger.Warn("collateral not resolved on import", slog.String("alias", line.Alias), slog.Any("error", err))
		return result
	}
	result.Resolution = outcome
	return result
}

// importDelegate stores wif and returns its public key. fresh is false when
// the key store already held it.
func (m *Manager) importDelegate(wif, passphrase string) (pub []byte, fresh bool, err error) {
	pub, err = m.deps.Keys.ImportDelegateKey(wif, passphrase)
	if err == nil {
		return pub, true, nil
	}
	if !errors.Is(err, crypto.ErrKeyExists) {
		return nil, false, fmt.Errorf("smartnode: import delegate key: %w", err)
	}
	if len(pub) > 0 {
		return pub, false, nil
	}
	key, decodeErr := crypto.DecodeWIF(wif)
	if decodeErr != nil {
		return nil, false, fmt.Errorf("smartnode: import delegate key: %w", decodeErr)
	}
	return key.PubKey(), false, nil
}

func (m *Manager) forgetUnused(pub []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetUnusedLocked(pub)
}

// forgetUnusedLocked drops a delegate key no record refers to.
func (m *Manager) forgetUnusedLocked(pub []byte) {
	if len(pub) == 0 || m.store.sharesDelegateKey(pub, nil) {
		return
	}
	if err := m.deps.Keys.ForgetDelegateKey(pub); err != nil {
		m.logger.Warn("forget delegate key failed", slog.String("key", crypto.KeyID(pub)), slog.Any("error", err))
	}
}
