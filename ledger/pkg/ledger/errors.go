package ledger

import "errors"

// Kind groups ledger errors by how callers should surface them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation errors reject malformed arguments before any state is read.
	KindValidation
	// KindNotFound errors reference state that does not exist.
	KindNotFound
	// KindState errors conflict with the current state of a use case.
	KindState
	// KindAuth errors come from a caller without the required role.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Error is a ledger rejection. Rejections never leave partial state behind.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

var (
	ErrArrayLengthMismatch = newError(KindValidation, "ArrayLengthMismatch", "array length mismatch")
	ErrTotalSharesExceeded = newError(KindValidation, "TotalSharesExceeded", "total reward shares exceed 10000 bps")
	ErrInvalidLockupPeriod = newError(KindValidation, "InvalidLockupPeriod", "invalid lockup period")
	ErrZeroAmount          = newError(KindValidation, "ZeroAmount", "amount must be greater than zero")
	ErrZeroAddress         = newError(KindValidation, "ZeroAddress", "zero address")
	ErrInvalidUseCaseID    = newError(KindValidation, "InvalidUseCaseId", "invalid use case id")
	ErrInvalidEventName    = newError(KindValidation, "InvalidEventName", "invalid event name")
	ErrInvalidFactor       = newError(KindValidation, "InvalidFactor", "factor must be between 0 and 1")
	ErrInvalidSpender      = newError(KindValidation, "InvalidSpender", "permit spender is not the ledger")
	ErrMaxParticipants     = newError(KindValidation, "MaxParticipantsExceeded", "maximum participants exceeded")

	ErrUseCaseDoesNotExist = newError(KindNotFound, "UseCaseDoesNotExist", "use case does not exist")
	ErrParticipantNotFound = newError(KindNotFound, "ParticipantNotFound", "participant not found")
	ErrRewardNotFound      = newError(KindNotFound, "RewardNotFound", "reward record not found")
	ErrUnknownEvent        = newError(KindNotFound, "UnknownEvent", "no base reward configured for event")

	ErrUseCaseAlreadyExists   = newError(KindState, "UseCaseAlreadyExists", "use case already exists")
	ErrRewardsAlreadyLocked   = newError(KindState, "RewardsAlreadyLocked", "rewards already locked")
	ErrLockupPeriodNotEnded   = newError(KindState, "LockupPeriodNotEnded", "lockup period not ended")
	ErrNoRewardsToClaim       = newError(KindState, "NoRewardsToClaim", "no rewards to claim")
	ErrRewardAlreadyClaimed   = newError(KindState, "RewardAlreadyClaimed", "reward already claimed")
	ErrRewardAlreadyRejected  = newError(KindState, "RewardAlreadyRejected", "reward already rejected")
	ErrInsufficientBalance    = newError(KindState, "InsufficientBalance", "insufficient balance")
	ErrInsufficientRewardPool = newError(KindState, "InsufficientRewardPool", "insufficient unreserved reward pool")
	ErrRewardPoolOverflow     = newError(KindState, "RewardPoolOverflow", "reward pool overflow")
	ErrPermitExpired          = newError(KindState, "PermitExpired", "permit expired")
	ErrInvalidPermitNonce     = newError(KindState, "InvalidPermitNonce", "permit nonce does not match")

	ErrNotUseCaseOwner  = newError(KindAuth, "NotUseCaseOwner", "caller is not the use case owner")
	ErrNotNotifier      = newError(KindAuth, "NotAuthorizedNotifier", "caller is not an authorized notifier")
	ErrNotOperator      = newError(KindAuth, "NotOperator", "caller is not a ledger operator")
	ErrInvalidSignature = newError(KindAuth, "InvalidSignature", "invalid permit signature")
)

// KindOf returns the Kind of the ledger error wrapped in err, or KindUnknown
// for anything else (store failures, timeouts).
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable error code of a ledger error, or "".
func CodeOf(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// IsRejection reports whether err is a deterministic ledger rejection that
// will fail the same way if replayed.
func IsRejection(err error) bool {
	return KindOf(err) != KindUnknown
}
