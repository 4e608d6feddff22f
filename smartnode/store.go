package smartnode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"smartwallet/storage"
)

// StorageKey is the database key holding the full record set.
const StorageKey = "smartnodes"

// Store is the in-memory record set mirrored to a storage.Database. It is not
// synchronised; Manager serialises access.
type Store struct {
	db      storage.Database
	records []*Record
}

// NewStore returns an empty store backed by db. Call Load to read persisted records.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// Load replaces the in-memory set with the persisted one.
func (s *Store) Load() error {
	raw, err := s.db.Get([]byte(StorageKey))
	if errors.Is(err, storage.ErrNotFound) {
		s.records = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("smartnode: load records: %w", err)
	}
	var byAlias map[string]Record
	if err := json.Unmarshal(raw, &byAlias); err != nil {
		return fmt.Errorf("smartnode: decode records: %w", err)
	}
	aliases := make([]string, 0, len(byAlias))
	for alias := range byAlias {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	records := make([]*Record, 0, len(aliases))
	for _, alias := range aliases {
		rec := byAlias[alias]
		rec.Alias = alias
		records = append(records, &rec)
	}
	s.records = records
	return nil
}

// Save writes a full snapshot with a single Put.
func (s *Store) Save() error {
	byAlias := make(map[string]Record, len(s.records))
	for _, rec := range s.records {
		byAlias[rec.Alias] = *rec
	}
	raw, err := json.Marshal(byAlias)
	if err != nil {
		return fmt.Errorf("smartnode: encode records: %w", err)
	}
	if err := s.db.Put([]byte(StorageKey), raw); err != nil {
		return fmt.Errorf("smartnode: save records: %w", err)
	}
	return nil
}

// Len returns the number of records.
func (s *Store) Len() int { return len(s.records) }

// All returns the live records in insertion order.
func (s *Store) All() []*Record { return s.records }

// Get returns the live record for alias or nil.
func (s *Store) Get(alias string) *Record {
	for _, rec := range s.records {
		if rec.Alias == alias {
			return rec
		}
	}
	return nil
}

// ByCollateralIdentity returns the record using the txid:n outpoint or nil.
func (s *Store) ByCollateralIdentity(id string) *Record {
	for _, rec := range s.records {
		if rec.HasCollateralRef() && rec.CollateralIdentity() == id {
			return rec
		}
	}
	return nil
}

// ByHash returns the record whose announce hash matches or nil.
func (s *Store) ByHash(hash string) *Record {
	for _, rec := range s.records {
		if !rec.HasCollateralRef() {
			continue
		}
		h, err := rec.Hash()
		if err == nil && strings.EqualFold(h, hash) {
			return rec
		}
	}
	return nil
}

// Add appends rec after checking alias and collateral uniqueness. Nothing is
// changed when it fails.
func (s *Store) Add(rec Record) (*Record, error) {
	if strings.TrimSpace(rec.Alias) == "" {
		return nil, ErrEmptyAlias
	}
	if s.Get(rec.Alias) != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAlias, rec.Alias)
	}
	if rec.HasCollateralRef() && s.ByCollateralIdentity(rec.CollateralIdentity()) != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCollateral, rec.CollateralIdentity())
	}
	stored := rec.Clone()
	s.records = append(s.records, &stored)
	return &stored, nil
}

// Remove drops alias and returns the removed record.
func (s *Store) Remove(alias string) (*Record, error) {
	for i, rec := range s.records {
		if rec.Alias == alias {
			s.records = append(s.records[:i:i], s.records[i+1:]...)
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// restore puts a removed record back at the end of the set.
func (s *Store) restore(rec *Record) {
	s.records = append(s.records, rec)
}

// sharesDelegateKey reports whether any record other than skip uses key.
func (s *Store) sharesDelegateKey(key []byte, skip *Record) bool {
	for _, rec := range s.records {
		if rec != skip && bytes.Equal(rec.DelegateKey, key) {
			return true
		}
	}
	return false
}

// usesAddress reports whether any record other than skip holds collateral at address.
func (s *Store) usesAddress(address string, skip *Record) bool {
	for _, rec := range s.records {
		if rec != skip && rec.Vin.Address == address {
			return true
		}
	}
	return false
}
