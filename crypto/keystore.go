package crypto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"smartwallet/storage"
)

var (
	// ErrKeyExists is returned alongside the public key when an imported key is already held.
	ErrKeyExists = errors.New("crypto: key already imported")
	// ErrUnknownKey is returned when no key matches the requested public key or address.
	ErrUnknownKey = errors.New("crypto: unknown key")
	// ErrBadPassphrase is returned when a key file does not decrypt with the supplied passphrase.
	ErrBadPassphrase = errors.New("crypto: wrong passphrase")
)

// KeyKind separates smartnode delegate keys from wallet (collateral) keys.
type KeyKind string

const (
	KindDelegate KeyKind = "delegate"
	KindWallet   KeyKind = "wallet"
)

var keyIndexKey = []byte("keyring/index")

type keyEntry struct {
	PubKey     string  `json:"pubkey"`
	Address    string  `json:"address"`
	Kind       KeyKind `json:"kind"`
	Compressed bool    `json:"compressed"`
	File       string  `json:"file"`
}

// KeyRing stores private keys encrypted at rest as Ethereum v3 keystore files
// and keeps an index of their public keys and addresses in the wallet database.
// Every signature decrypts the key file with the caller's passphrase; decrypted
// keys are never retained.
type KeyRing struct {
	dir    string
	db     storage.Database
	params NetParams

	scryptN int
	scryptP int

	mu    sync.Mutex
	index map[string]keyEntry
}

// KeyRingOption customises a KeyRing.
type KeyRingOption func(*KeyRing)

// WithLightScrypt trades key-derivation strength for speed. Intended for tests.
func WithLightScrypt() KeyRingOption {
	return func(k *KeyRing) {
		k.scryptN = keystore.LightScryptN
		k.scryptP = keystore.LightScryptP
	}
}

// NewKeyRing opens the key ring rooted at dir, loading its index from db.
func NewKeyRing(dir string, db storage.Database, params NetParams, opts ...KeyRingOption) (*KeyRing, error) {
	if dir == "" {
		return nil, errors.New("crypto: empty keystore directory")
	}
	if db == nil {
		return nil, errors.New("crypto: nil key index database")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	ring := &KeyRing{
		dir:     dir,
		db:      db,
		params:  params,
		scryptN: keystore.StandardScryptN,
		scryptP: keystore.StandardScryptP,
		index:   make(map[string]keyEntry),
	}
	for _, opt := range opts {
		opt(ring)
	}
	raw, err := db.Get(keyIndexKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("crypto: load key index: %w", err)
	default:
		if err := json.Unmarshal(raw, &ring.index); err != nil {
			return nil, fmt.Errorf("crypto: decode key index: %w", err)
		}
	}
	return ring, nil
}

// ImportWIF encrypts the key with passphrase and adds it to the ring. When the
// key is already present its public key is returned together with ErrKeyExists.
func (k *KeyRing) ImportWIF(wif, passphrase string, kind KeyKind) ([]byte, error) {
	key, err := DecodeWIF(wif)
	if err != nil {
		return nil, err
	}
	pub := key.PubKey()
	id := hex.EncodeToString(pub)

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.index[id]; ok {
		return pub, ErrKeyExists
	}
	address, err := P2PKHAddress(pub, k.params)
	if err != nil {
		return nil, err
	}
	file := KeyID(pub) + ".json"
	if err := k.writeKeyFile(filepath.Join(k.dir, file), key, passphrase); err != nil {
		return nil, err
	}
	k.index[id] = keyEntry{PubKey: id, Address: address, Kind: kind, Compressed: key.Compressed(), File: file}
	if err := k.persistIndexLocked(); err != nil {
		delete(k.index, id)
		return nil, err
	}
	return pub, nil
}

// ImportDelegateKey imports a smartnode delegate key.
func (k *KeyRing) ImportDelegateKey(wif, passphrase string) ([]byte, error) {
	return k.ImportWIF(wif, passphrase, KindDelegate)
}

// ForgetDelegateKey removes the key and its encrypted file.
func (k *KeyRing) ForgetDelegateKey(pubKey []byte) error {
	id := hex.EncodeToString(pubKey)
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.index[id]
	if !ok || entry.Kind != KindDelegate {
		return nil
	}
	delete(k.index, id)
	if err := k.persistIndexLocked(); err != nil {
		k.index[id] = entry
		return err
	}
	if err := os.Remove(filepath.Join(k.dir, entry.File)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// SignWithDelegate signs message with the delegate key identified by pubKey.
func (k *KeyRing) SignWithDelegate(pubKey []byte, message []byte, passphrase string) ([]byte, error) {
	key, err := k.unlock(hex.EncodeToString(pubKey), passphrase)
	if err != nil {
		return nil, err
	}
	return SignMessage(key, message, k.params)
}

// SignMessage signs message with the key owning address.
func (k *KeyRing) SignMessage(address string, message []byte, passphrase string) ([]byte, error) {
	id, ok := k.idForAddress(address)
	if !ok {
		return nil, fmt.Errorf("%w: address %s", ErrUnknownKey, address)
	}
	key, err := k.unlock(id, passphrase)
	if err != nil {
		return nil, err
	}
	return SignMessage(key, message, k.params)
}

// PublicKeysFor returns the public keys known for address.
func (k *KeyRing) PublicKeysFor(address string) ([][]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var keys [][]byte
	for id, entry := range k.index {
		if entry.Address != address {
			continue
		}
		pub, err := hex.DecodeString(id)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pub)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: address %s", ErrUnknownKey, address)
	}
	return keys, nil
}

// Addresses lists the addresses of every key of the given kind, sorted.
func (k *KeyRing) Addresses(kind KeyKind) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.index))
	for _, entry := range k.index {
		if entry.Kind == kind {
			out = append(out, entry.Address)
		}
	}
	sort.Strings(out)
	return out
}

func (k *KeyRing) idForAddress(address string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, entry := range k.index {
		if entry.Address == address {
			return id, true
		}
	}
	return "", false
}

// unlock decrypts the key file for id. The lock is released before the
// scrypt derivation so concurrent signers do not queue behind each other.
func (k *KeyRing) unlock(id, passphrase string) (*PrivateKey, error) {
	k.mu.Lock()
	entry, ok := k.index[id]
	k.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	key, err := k.readKeyFile(filepath.Join(k.dir, entry.File), passphrase, entry.Compressed)
	if err != nil {
		return nil, fmt.Errorf("crypto: unlock key %s: %w", entry.Address, err)
	}
	return key, nil
}

func (k *KeyRing) persistIndexLocked() error {
	raw, err := json.Marshal(k.index)
	if err != nil {
		return err
	}
	return k.db.Put(keyIndexKey, raw)
}

// writeKeyFile stores the key as an Ethereum v3 keystore file. The file is
// written next to its final path and renamed into place.
func (k *KeyRing) writeKeyFile(path string, key *PrivateKey, passphrase string) error {
	ecdsaKey, err := ethcrypto.ToECDSA(key.Bytes())
	if err != nil {
		return err
	}
	sealed, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    ethcrypto.PubkeyToAddress(ecdsaKey.PublicKey),
		PrivateKey: ecdsaKey,
	}, passphrase, k.scryptN, k.scryptP)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "keystore-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

func (k *KeyRing) readKeyFile(path, passphrase string, compressed bool) (*PrivateKey, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if errors.Is(err, keystore.ErrDecrypt) {
		return nil, ErrBadPassphrase
	}
	if err != nil {
		return nil, err
	}
	return PrivateKeyFromBytes(ethcrypto.FromECDSA(decrypted.PrivateKey), compressed)
}
