// Package errs holds the error taxonomy shared by every component of the
// exchange core. Call sites wrap the sentinels below with fmt.Errorf("...: %w")
// and boundaries classify them with KindOf.
package errs

import "errors"

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindAuthorization
	KindValidation
	KindOracle
	KindInsufficientLiquidity
	KindState
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindOracle:
		return "oracle"
	case KindInsufficientLiquidity:
		return "insufficient_liquidity"
	case KindState:
		return "state"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// kindError is a sentinel tagged with its kind. Sentinels are compared by
// identity through errors.Is.
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func newKind(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Configuration
var (
	ErrInvalidFeeSplit   = newKind(KindConfiguration, "invalid fee split")
	ErrInvalidProduct    = newKind(KindValidation, "invalid product")
	ErrInvalidProductCfg = newKind(KindConfiguration, "invalid product configuration")
	ErrProductExists     = newKind(KindConfiguration, "product already exists")
	ErrInvalidParameters = newKind(KindConfiguration, "invalid parameters")
	ErrInvalidVaultCfg   = newKind(KindConfiguration, "invalid vault configuration")
)

// Authorization
var (
	ErrUnauthorized = newKind(KindAuthorization, "unauthorized")
)

// Validation
var (
	ErrInvalidAmount          = newKind(KindValidation, "invalid amount")
	ErrLeverageOutOfRange     = newKind(KindValidation, "leverage out of range")
	ErrMarginTooSmall         = newKind(KindValidation, "margin below minimum")
	ErrMarginTooLarge         = newKind(KindValidation, "margin above maximum")
	ErrOverflow               = newKind(KindValidation, "amount overflows int64")
	ErrProductInactive        = newKind(KindValidation, "product inactive")
	ErrInsufficientCollateral = newKind(KindValidation, "insufficient collateral")
	ErrPositionNotFound       = newKind(KindValidation, "position not found")
)

// Oracle
var (
	ErrOracle = newKind(KindOracle, "oracle price unavailable")
)

// Liquidity
var (
	ErrInsufficientLiquidity = newKind(KindInsufficientLiquidity, "insufficient liquidity")
	ErrVaultCapExceeded      = newKind(KindInsufficientLiquidity, "vault cap exceeded")
	ErrExposureLimit         = newKind(KindInsufficientLiquidity, "exposure limit exceeded")
	ErrVaultInsolvent        = newKind(KindInsufficientLiquidity, "vault insolvent")
)

// State
var (
	ErrInsufficientPosition = newKind(KindState, "insufficient position")
	ErrStakeLocked          = newKind(KindState, "stake locked")
	ErrInsufficientShares   = newKind(KindState, "insufficient shares")
	ErrNotLiquidatable      = newKind(KindState, "position not liquidatable")
	ErrNothingToDistribute  = newKind(KindState, "nothing to distribute")
)

// Internal
var (
	ErrInvariantViolation = newKind(KindInternal, "invariant violation")
)

// KindOf returns the kind of the first tagged sentinel in err's chain.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}
