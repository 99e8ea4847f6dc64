package leaderboard

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"leaderboard/crypto"
)

func TestDigestMatchesPackedEncoding(t *testing.T) {
	att := Attestation{Player: newTestAddress(0x42)}
	att.Score.SetUint64(1234)
	att.Nonce.SetUint64(7)

	packed := append([]byte(nil), att.Player[:]...)
	packed = append(packed, common.LeftPadBytes(big.NewInt(1234).Bytes(), 32)...)
	packed = append(packed, common.LeftPadBytes(big.NewInt(7).Bytes(), 32)...)
	require.Len(t, packed, 84)
	require.Equal(t, ethcrypto.Keccak256(packed), Digest(att))

	other := att
	other.Nonce.SetUint64(8)
	require.NotEqual(t, Digest(att), Digest(other))
}

func TestRecoverAcceptsGethStyleSignatures(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	att := Attestation{Player: newTestAddress(0x01)}
	att.Score.SetUint64(99)

	// Raw go-ethereum signatures carry a 0/1 recovery id.
	sig, err := ethcrypto.Sign(accounts.TextHash(Digest(att)), key.PrivateKey)
	require.NoError(t, err)
	require.LessOrEqual(t, sig[64], byte(1))

	signer, err := SignatureVerifier{}.Recover(att, sig)
	require.NoError(t, err)
	require.Equal(t, key.Identity(), signer)

	webSig, err := Sign(key, att)
	require.NoError(t, err)
	signer, err = Recover(att, webSig)
	require.NoError(t, err)
	require.Equal(t, key.Identity(), signer)
}

func TestRecoverRejectsEmptySignature(t *testing.T) {
	_, err := Recover(Attestation{}, nil)
	require.ErrorIs(t, err, ErrInvalidSignature)
}
