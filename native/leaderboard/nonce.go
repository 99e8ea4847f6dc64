package leaderboard

import "github.com/holiman/uint256"

type nonceKey struct {
	player [20]byte
	nonce  uint256.Int
}

// NonceRegistry records consumed (player, nonce) pairs. A pair moves from
// absent to present exactly once and is never removed.
type NonceRegistry struct {
	used map[nonceKey]struct{}
}

func newNonceRegistry() *NonceRegistry {
	return &NonceRegistry{used: make(map[nonceKey]struct{})}
}

// Consumed reports whether nonce was already used for player.
func (r *NonceRegistry) Consumed(player [20]byte, nonce *uint256.Int) bool {
	if r == nil || nonce == nil {
		return false
	}
	_, ok := r.used[nonceKey{player: player, nonce: *nonce}]
	return ok
}

// Len returns the number of consumed pairs.
func (r *NonceRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.used)
}

// mark records a pair the caller already checked with Consumed.
func (r *NonceRegistry) mark(player [20]byte, nonce uint256.Int) {
	r.used[nonceKey{player: player, nonce: nonce}] = struct{}{}
}

func (r *NonceRegistry) consume(player [20]byte, nonce *uint256.Int) error {
	key := nonceKey{player: player, nonce: *nonce}
	if _, ok := r.used[key]; ok {
		return ErrReplayedNonce
	}
	r.used[key] = struct{}{}
	return nil
}
