package leaderboard

import "errors"

var (
	// ErrInvalidSignature reports a malformed or unrecoverable signature.
	ErrInvalidSignature = errors.New("leaderboard: invalid signature")
	// ErrUntrustedSigner reports a signature recovered to an identity other
	// than the configured authority.
	ErrUntrustedSigner = errors.New("leaderboard: signer is not the trusted authority")
	// ErrReplayedNonce reports a (player, nonce) pair that was already used.
	ErrReplayedNonce = errors.New("leaderboard: nonce already consumed")
	// ErrNoStake reports a submission without a positive stake.
	ErrNoStake = errors.New("leaderboard: stake must be positive")
	// ErrUnauthorized reports a withdrawal attempted by a non-administrator.
	ErrUnauthorized = errors.New("leaderboard: caller is not the administrator")
	// ErrInsufficientBalance reports a debit larger than the escrow balance.
	ErrInsufficientBalance = errors.New("leaderboard: insufficient escrow balance")
	// ErrPayoutFailed wraps the treasury error of an aborted distribution.
	ErrPayoutFailed = errors.New("leaderboard: payout failed")
)

var (
	errZeroAuthority     = errors.New("leaderboard engine: authority not configured")
	errZeroHouseWallet   = errors.New("leaderboard engine: house wallet not configured")
	errZeroAdministrator = errors.New("leaderboard engine: administrator not configured")
	errZeroVault         = errors.New("leaderboard engine: vault not configured")
	errInvalidCapacity   = errors.New("leaderboard engine: ranking capacity must be 0 or at least 3")
	errNilTreasury       = errors.New("leaderboard engine: treasury not configured")
	errStoreRequired     = errors.New("leaderboard engine: a treasury requires a persistent store")
	errNegativeAmount    = errors.New("leaderboard engine: amount must not be negative")
)
