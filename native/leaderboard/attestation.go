package leaderboard

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"leaderboard/crypto"
)

// Digest returns keccak256(player ‖ score ‖ nonce) with the score and nonce
// left-padded to 32 bytes, matching Solidity's
// abi.encodePacked(address, uint256, uint256).
func Digest(att Attestation) []byte {
	score := att.Score.Bytes32()
	nonce := att.Nonce.Bytes32()
	return ethcrypto.Keccak256(att.Player[:], score[:], nonce[:])
}

// Sign produces the authority signature for att. The digest is signed with
// the EIP-191 personal message prefix and a 27/28 recovery id.
func Sign(key *crypto.PrivateKey, att Attestation) ([]byte, error) {
	return crypto.SignPersonal(key, Digest(att))
}

// Verifier recovers the identity that signed an attestation.
type Verifier interface {
	Recover(att Attestation, sig []byte) ([20]byte, error)
}

// SignatureVerifier recovers secp256k1 personal-sign signatures.
type SignatureVerifier struct{}

// Recover implements Verifier.
func (SignatureVerifier) Recover(att Attestation, sig []byte) ([20]byte, error) {
	return Recover(att, sig)
}

// Recover returns the identity whose key produced sig over att.
func Recover(att Attestation, sig []byte) ([20]byte, error) {
	signer, err := crypto.RecoverPersonal(Digest(att), sig)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return signer, nil
}
