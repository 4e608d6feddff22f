package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/base58"

	"smartwallet/crypto"
)

// ScriptHash returns the Electrum script hash of address: the byte-reversed
// SHA256 of its output script.
func ScriptHash(address string, params crypto.NetParams) (string, error) {
	script, err := OutputScript(address, params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(script)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:]), nil
}

// OutputScript returns the standard output script paying to a base58 address
// of the given network.
func OutputScript(address string, params crypto.NetParams) ([]byte, error) {
	hash, version, err := base58.CheckDecode(address)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode address %s: %w", address, err)
	}
	var addr btcutil.Address
	switch version {
	case params.PubKeyHashAddrID:
		addr, err = btcutil.NewAddressPubKeyHash(hash, params.ChainParams())
	case params.ScriptHashAddrID:
		addr, err = btcutil.NewAddressScriptHashFromHash(hash, params.ChainParams())
	default:
		return nil, fmt.Errorf("wallet: address %s is not for network %s", address, params.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: decode address %s: %w", address, err)
	}
	return txscript.PayToAddrScript(addr)
}
