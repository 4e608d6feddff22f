package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWIFRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	wif, err := key.WIF(MainNet)
	require.NoError(t, err)

	decoded, err := DecodeWIF(wif)
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), decoded.Bytes())
	require.True(t, decoded.Compressed())
	require.Len(t, decoded.PubKey(), 33)
}

func TestDecodeWIFRejectsGarbage(t *testing.T) {
	_, err := DecodeWIF("not-a-key")
	require.ErrorIs(t, err, ErrInvalidWIF)
}

func TestP2PKHAddressUsesNetworkPrefix(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	addr, err := P2PKHAddress(key.PubKey(), MainNet)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr, "S"), "mainnet P2PKH addresses start with S, got %s", addr)

	_, err = P2PKHAddress([]byte{0x02, 0x01}, MainNet)
	require.Error(t, err)
}

func TestSignAndVerifyMessage(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	addr, err := P2PKHAddress(key.PubKey(), MainNet)
	require.NoError(t, err)

	sig, err := SignMessage(key, []byte("203.0.113.7:96781700000000"), MainNet)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	ok, err := VerifyMessage(addr, sig, []byte("203.0.113.7:96781700000000"), MainNet)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyMessage(addr, sig, []byte("tampered"), MainNet)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeyIDIsReversedHash160(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	id := KeyID(key.PubKey())
	require.Len(t, id, 40)
	require.Equal(t, id, KeyID(key.PubKey()))
}
