package market

import "errors"

var (
	// Authentication.
	ErrInvalidSignature = errors.New("market: invalid signature")
	ErrUnknownSigner    = errors.New("market: no validator registered for contract signer")

	// Temporal and quota axes.
	ErrTradeExpired      = errors.New("market: trade expired")
	ErrTradeNotEffective = errors.New("market: trade not yet effective")
	ErrQuotaExhausted    = errors.New("market: signature uses exhausted")
	ErrIdentityExhausted = errors.New("market: trade identity exhausted")
	ErrCancelled         = errors.New("market: trade cancelled")

	// Epoch axes.
	ErrContractEpochMismatch = errors.New("market: stale contract epoch")
	ErrSignerEpochMismatch   = errors.New("market: stale signer epoch")

	// Authorization.
	ErrCallerNotAllowed    = errors.New("market: caller not in allowlist")
	ErrExternalCheckFailed = errors.New("market: external check failed")
	ErrDiscountNotAllowed  = errors.New("market: discount implementation not allow-listed")
	ErrUnauthorized        = errors.New("market: unauthorized")

	// Economic failures.
	ErrDiscountUnderflow    = errors.New("market: discount exceeds asset value")
	ErrInvalidRate          = errors.New("market: rate above denominator")
	ErrUnsupportedAssetKind = errors.New("market: unsupported asset kind")
	ErrInvalidFingerprint   = errors.New("market: fingerprint mismatch")
	ErrNotCreator           = errors.New("market: neither caller nor signer is the collection creator")
	ErrUnknownToken         = errors.New("market: token contract not registered")

	errNilState    = errors.New("market: state not configured")
	errNilRegistry = errors.New("market: token registry not configured")
	errNilTrade    = errors.New("market: nil trade")
	errNilCoupon   = errors.New("market: nil coupon")
)
