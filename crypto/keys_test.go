package crypto

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const hardhatKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestPrivateKeyFromHexDerivesAddress(t *testing.T) {
	key, err := PrivateKeyFromHex(hardhatKey)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), common.Address(key.Identity()))
	require.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", key.PubKey().Address().Hex())
}

func TestAddressBech32RoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.PubKey().Address()
	require.Equal(t, LeaderboardPrefix, addr.Prefix())

	decoded, err := DecodeAddress(addr.String())
	require.NoError(t, err)
	require.Equal(t, addr.Identity(), decoded.Identity())

	fromBech, err := ParseIdentity(addr.String())
	require.NoError(t, err)
	fromHex, err := ParseIdentity(addr.Hex())
	require.NoError(t, err)
	require.Equal(t, fromBech, fromHex)
}

func TestParseIdentityRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "0x1234", "lb1notvalid"} {
		_, err := ParseIdentity(raw)
		require.ErrorIs(t, err, ErrInvalidAddress, raw)
	}
}

func TestSignPersonalRecoversBothRecoveryIDForms(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	digest := common.HexToHash("0x01").Bytes()

	sig, err := SignPersonal(key, digest)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[64])

	signer, err := RecoverPersonal(digest, sig)
	require.NoError(t, err)
	require.Equal(t, key.Identity(), signer)

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	signer, err = RecoverPersonal(digest, raw)
	require.NoError(t, err)
	require.Equal(t, key.Identity(), signer)
}

func TestRecoverPersonalRejectsMalformed(t *testing.T) {
	digest := common.HexToHash("0x02").Bytes()
	_, err := RecoverPersonal(digest, make([]byte, 64))
	require.ErrorIs(t, err, ErrInvalidSignature)

	bad := make([]byte, SignatureLength)
	bad[64] = 5
	_, err = RecoverPersonal(digest, bad)
	require.ErrorIs(t, err, ErrInvalidSignature)

	zero := make([]byte, SignatureLength)
	_, err = RecoverPersonal(digest, zero)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestKeystoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "authority.json")

	key, created, err := LoadOrCreateKeystore(path, "secret")
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := LoadOrCreateKeystore(path, "secret")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, key.Bytes(), again.Bytes())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
