package authz

import "errors"

// Kind groups gate rejections by how they are surfaced.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	// KindAuth covers stale requests and bad signatures.
	KindAuth
	// KindForbidden covers unknown, revoked or under-privileged signers.
	KindForbidden
	KindReplay
	// KindConfig is a deployment error, not a caller error.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindReplay:
		return "replay"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Code string
	msg  string
	err  error
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.err }

// Is matches a structural failure against ErrInvalidRequest.
func (e *Error) Is(target error) bool {
	return e.err != nil && target == ErrInvalidRequest
}

// invalidRequest keeps the field-level message of a request.ValidationError.
func invalidRequest(err error) error {
	return &Error{Kind: KindValidation, Code: ErrInvalidRequest.Code, msg: err.Error(), err: err}
}

var (
	ErrInvalidRequest   = &Error{Kind: KindValidation, Code: "InvalidRequest", msg: "invalid request"}
	ErrExpired          = &Error{Kind: KindAuth, Code: "Expired", msg: "request expired"}
	ErrInvalidSignature = &Error{Kind: KindAuth, Code: "InvalidSignature", msg: "invalid signature"}
	ErrUnknownSigner    = &Error{Kind: KindForbidden, Code: "Forbidden", msg: "unknown or revoked signer"}
	ErrForbidden        = &Error{Kind: KindForbidden, Code: "Forbidden", msg: "signer lacks permission"}
	ErrReplayedNonce    = &Error{Kind: KindReplay, Code: "ReplayedNonce", msg: "nonce already used"}
	ErrMisconfigured    = &Error{Kind: KindConfig, Code: "SchemeMismatch", msg: "signer key does not match the configured scheme"}
)

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
