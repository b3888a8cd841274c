package initmgr

import (
	"errors"
	"fmt"
)

// ErrStopped returned when using a stopped scheduler or manager
var ErrStopped = errors.New("initialization stopped")

// FatalError marks a failure which retrying can not fix, such as bad
// configuration or credentials
type FatalError struct {
	Err error
}

func (e FatalError) Error() string {
	return fmt.Sprintf("fatal: %s", e.Err.Error())
}

func (e FatalError) Unwrap() error {
	return e.Err
}

// Fatal wrap an error as a FatalError
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return FatalError{Err: err}
}

// IsFatal whether the error chain contains a FatalError
func IsFatal(err error) bool {
	var fatal FatalError
	return errors.As(err, &fatal)
}

// DefaultRetryPolicy retry every failure except a FatalError
func DefaultRetryPolicy(err error) bool {
	return !IsFatal(err)
}
