package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// ErrInvalidWIF is returned when a private key string cannot be decoded.
var ErrInvalidWIF = errors.New("crypto: invalid WIF private key")

// NetParams defines the address and message-signing encoding of a network.
type NetParams struct {
	Name             string
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	PrivateKeyID     byte
	MessageMagic     string
}

// MainNet carries the SmartCash main network encodings.
var MainNet = NetParams{
	Name:             "smartcash",
	PubKeyHashAddrID: 63,
	ScriptHashAddrID: 18,
	PrivateKeyID:     191,
	MessageMagic:     "SmartCash Signed Message:\n",
}

// ChainParams exposes the parameters in the form expected by btcutil.
func (p NetParams) ChainParams() *chaincfg.Params {
	return &chaincfg.Params{
		Name:             p.Name,
		PubKeyHashAddrID: p.PubKeyHashAddrID,
		ScriptHashAddrID: p.ScriptHashAddrID,
		PrivateKeyID:     p.PrivateKeyID,
	}
}

// --- Key Management ---

// PrivateKey is a secp256k1 key together with the public key encoding its
// WIF requested.
type PrivateKey struct {
	key        *btcec.PrivateKey
	compressed bool
}

// GeneratePrivateKey returns a fresh compressed key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: key, compressed: true}, nil
}

// DecodeWIF parses a wallet-import-format private key.
func DecodeWIF(wif string) (*PrivateKey, error) {
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWIF, err)
	}
	if decoded.PrivKey == nil {
		return nil, ErrInvalidWIF
	}
	return &PrivateKey{key: decoded.PrivKey, compressed: decoded.CompressPubKey}, nil
}

// PrivateKeyFromBytes rebuilds a key from its 32-byte scalar.
func PrivateKeyFromBytes(b []byte, compressed bool) (*PrivateKey, error) {
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("crypto: private key must be %d bytes", btcec.PrivKeyBytesLen)
	}
	key, _ := btcec.PrivKeyFromBytes(btcec.S256(), b)
	return &PrivateKey{key: key, compressed: compressed}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return k.key.Serialize()
}

// Compressed reports whether the public key is serialized in compressed form.
func (k *PrivateKey) Compressed() bool {
	return k.compressed
}

// PubKey returns the serialized public key.
func (k *PrivateKey) PubKey() []byte {
	if k.compressed {
		return k.key.PubKey().SerializeCompressed()
	}
	return k.key.PubKey().SerializeUncompressed()
}

// WIF encodes the key for the supplied network.
func (k *PrivateKey) WIF(params NetParams) (string, error) {
	wif, err := btcutil.NewWIF(k.key, params.ChainParams(), k.compressed)
	if err != nil {
		return "", err
	}
	return wif.String(), nil
}

// ParsePubKey validates a serialized secp256k1 public key.
func ParsePubKey(b []byte) error {
	_, err := btcec.ParsePubKey(b, btcec.S256())
	return err
}

// P2PKHAddress derives the pay-to-pubkey-hash address of a serialized public key.
func P2PKHAddress(pubKey []byte, params NetParams) (string, error) {
	if err := ParsePubKey(pubKey); err != nil {
		return "", fmt.Errorf("crypto: invalid public key: %w", err)
	}
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey), params.ChainParams())
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// KeyID returns the byte-reversed hex of HASH160(pubKey), the form used when
// key identifiers are embedded in signed text.
func KeyID(pubKey []byte) string {
	h := btcutil.Hash160(pubKey)
	reversed := make([]byte, len(h))
	for i := range h {
		reversed[len(h)-1-i] = h[i]
	}
	return hex.EncodeToString(reversed)
}

// MessageHash computes the double-SHA256 digest of a magic-prefixed message.
func MessageHash(magic string, message []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarString(&buf, 0, magic); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&buf, 0, message); err != nil {
		return nil, err
	}
	return chainhash.DoubleHashB(buf.Bytes()), nil
}

// SignMessage produces a 65-byte compact recoverable signature over message.
func SignMessage(key *PrivateKey, message []byte, params NetParams) ([]byte, error) {
	if key == nil {
		return nil, errors.New("crypto: nil private key")
	}
	hash, err := MessageHash(params.MessageMagic, message)
	if err != nil {
		return nil, err
	}
	return btcec.SignCompact(btcec.S256(), key.key, hash, key.compressed)
}

// VerifyMessage reports whether sig is a valid compact signature of message by
// the owner of address.
func VerifyMessage(address string, sig, message []byte, params NetParams) (bool, error) {
	hash, err := MessageHash(params.MessageMagic, message)
	if err != nil {
		return false, err
	}
	pub, compressed, err := btcec.RecoverCompact(btcec.S256(), sig, hash)
	if err != nil {
		return false, err
	}
	serialized := pub.SerializeUncompressed()
	if compressed {
		serialized = pub.SerializeCompressed()
	}
	recovered, err := P2PKHAddress(serialized, params)
	if err != nil {
		return false, err
	}
	return recovered == address, nil
}
