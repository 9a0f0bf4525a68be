// Package errs defines the §7 error taxonomy as wrapped sentinel
// errors. Every operation boundary in pkg/engine and the book packages
// returns one of these (wrapped with fmt.Errorf("...: %w", Sentinel))
// so callers can classify a failure with errors.Is while still getting
// a human-readable message — the same pattern the teacher's code uses
// for its own (much smaller) error set.
package errs

import "errors"

var (
	// ErrValidation: malformed fields, zero amounts, wrong-asset
	// constraints.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientFunds: liquid/collateral balance below required.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAuthorityMissing: required authority not satisfied by
	// presented signatures.
	ErrAuthorityMissing = errors.New("authority missing")

	// ErrDuplicateID: (owner, order_id) already exists.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrNotFound: referenced order/loan/asset does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConstraintViolation: a post-condition (e.g. collateralization)
	// would violate an invariant.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrFillOrKillUnfilled: fill_or_kill set but residual > 0.
	ErrFillOrKillUnfilled = errors.New("fill or kill unfilled")

	// ErrFeedStale: operation requires a non-stale feed.
	ErrFeedStale = errors.New("feed stale")

	// ErrGlobalSettled: operation requires a non-globally-settled asset.
	ErrGlobalSettled = errors.New("asset globally settled")

	// ErrBlockQuotaExhausted: match cascade exceeded the per-block work
	// budget. It is handled like the others: the operation that hit the
	// quota fails and its transaction rolls back, including any fills
	// made before the quota hit; no remainder is deferred to the
	// scheduler.
	ErrBlockQuotaExhausted = errors.New("block match quota exhausted")
)
