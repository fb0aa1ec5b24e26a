package failure

import (
	"errors"
	"fmt"
)

// Error is a failure tagged with its category at the point it was raised.
type Error struct {
	Category Category
	Err      error
}

// New tags err with category c. A nil err yields nil.
func New(c Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: c, Err: err}
}

// Newf formats a message and tags it with category c.
func Newf(c Category, format string, args ...any) error {
	return &Error{Category: c, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func Network(err error) error        { return New(CategoryNetwork, err) }
func Database(err error) error       { return New(CategoryDatabase, err) }
func Validation(err error) error     { return New(CategoryValidation, err) }
func Authentication(err error) error { return New(CategoryAuthentication, err) }
func RateLimit(err error) error      { return New(CategoryRateLimit, err) }
func BusinessLogic(err error) error  { return New(CategoryBusinessLogic, err) }
func System(err error) error         { return New(CategorySystem, err) }

// CategoryOf returns the tag of the outermost *Error in err's chain.
func CategoryOf(err error) (Category, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category, true
	}
	return "", false
}
