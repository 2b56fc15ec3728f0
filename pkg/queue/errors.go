package queue

import "errors"

// permanent is implemented by errors that must not be retried.
type permanent interface {
	Permanent() bool
}

// kinded is implemented by errors that carry a short classification.
type kinded interface {
	ErrorKind() string
}

// IsPermanent reports whether any error in err's chain is marked permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// ErrorKind returns the classification of err, or "unknown".
func ErrorKind(err error) string {
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return "unknown"
}
