package rentwheel

import "errors"

// ============================================================================
// Error taxonomy
// ============================================================================

// ErrorKind classifies failures so callers can tell "not allowed" apart from
// "try again".
type ErrorKind string

const (
	KindUnauthenticated ErrorKind = "UNAUTHENTICATED"
	KindUnauthorized    ErrorKind = "UNAUTHORIZED"
	KindValidation      ErrorKind = "VALIDATION"
	KindTransient       ErrorKind = "TRANSIENT"
	KindNotFound        ErrorKind = "NOT_FOUND"
)

// Sentinels for errors.Is checks. Every *Error matches the sentinel of its kind.
var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Notice: "Please sign in to chat"}
	ErrUnauthorized    = &Error{Kind: KindUnauthorized, Notice: "You are not allowed to do that"}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrTransient       = &Error{Kind: KindTransient, Notice: "Something went wrong, please try again"}
	ErrNotFound        = &Error{Kind: KindNotFound, Notice: "That item no longer exists"}
)

// Error is the error type returned by every operation of the chat core.
type Error struct {
	Kind ErrorKind
	Op   string
	// Notice is the user-facing text. Empty for failures that should stay silent.
	Notice string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Notice != "" {
		msg += ": " + e.Notice
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds an *Error of kind with the kind's default notice.
func NewError(kind ErrorKind, op string, err error) *Error {
	return newError(kind, op, "", err)
}

func newError(kind ErrorKind, op, notice string, err error) *Error {
	if notice == "" {
		notice = defaultNotice(kind)
	}
	return &Error{Kind: kind, Op: op, Notice: notice, Err: err}
}

func defaultNotice(kind ErrorKind) string {
	switch kind {
	case KindUnauthenticated:
		return ErrUnauthenticated.Notice
	case KindUnauthorized:
		return ErrUnauthorized.Notice
	case KindTransient:
		return ErrTransient.Notice
	case KindNotFound:
		return ErrNotFound.Notice
	}
	return ""
}

// KindOf returns the kind of err, or KindTransient for errors that are not
// part of the taxonomy (transport failures, context deadlines).
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// NoticeOf returns the user-facing text for err.
func NoticeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Notice
	}
	return ErrTransient.Notice
}

// asKind wraps err as a transient failure unless it already carries a kind.
func asKind(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			return &Error{Kind: e.Kind, Op: op, Notice: e.Notice, Err: e.Err}
		}
		return err
	}
	return newError(KindTransient, op, "", err)
}

// errorFromAPI maps an envelope error to the taxonomy.
func errorFromAPI(op string, apiErr *APIError) error {
	if apiErr == nil {
		return newError(KindTransient, op, "", errors.New("request failed"))
	}
	kind := KindTransient
	switch ErrorKind(apiErr.Code) {
	case KindUnauthenticated, KindUnauthorized, KindValidation, KindNotFound, KindTransient:
		kind = ErrorKind(apiErr.Code)
	}
	// The kind already names the code; keep only the server's message.
	return newError(kind, op, "", errors.New(apiErr.Message))
}

// kindForStatus picks the kind for an HTTP status without an envelope error.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == 401:
		return KindUnauthenticated
	case status == 403:
		return KindUnauthorized
	case status == 404:
		return KindNotFound
	case status == 400 || status == 422:
		return KindValidation
	}
	return KindTransient
}
