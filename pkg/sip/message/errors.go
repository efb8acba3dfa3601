package message

import "errors"

var (
	// ErrMalformedMessage is the umbrella error for any input the codec
	// cannot turn into a message. Specific causes below wrap it.
	ErrMalformedMessage = errors.New("malformed SIP message")

	// Parser errors
	ErrInvalidRequestLine = errors.New("invalid request line")
	ErrInvalidStatusLine  = errors.New("invalid status line")
	ErrInvalidHeader      = errors.New("invalid header format")
	ErrInvalidSIPVersion  = errors.New("invalid SIP version")
	ErrInvalidStatusCode  = errors.New("invalid status code")
	ErrInvalidURI         = errors.New("invalid URI")
	ErrInvalidCSeq        = errors.New("invalid CSeq")

	// Validation errors
	ErrMissingHeader = errors.New("missing required header")
	ErrInvalidMethod = errors.New("invalid SIP method")

	// Size errors
	ErrMessageTooLarge = errors.New("message too large")
	ErrHeaderTooLarge  = errors.New("header too large")
)

// malformed wraps cause so that both errors.Is(err, ErrMalformedMessage)
// and errors.Is(err, cause) hold.
func malformed(cause error, detail string) error {
	if detail == "" {
		return &codecError{cause: cause}
	}
	return &codecError{cause: cause, detail: detail}
}

type codecError struct {
	cause  error
	detail string
}

func (e *codecError) Error() string {
	if e.detail == "" {
		return ErrMalformedMessage.Error() + ": " + e.cause.Error()
	}
	return ErrMalformedMessage.Error() + ": " + e.cause.Error() + ": " + e.detail
}

func (e *codecError) Is(target error) bool {
	return target == ErrMalformedMessage
}

func (e *codecError) Unwrap() error {
	return e.cause
}
