package registration

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a registration failure. The set is closed on purpose:
// the worker pool and the retry policy switch on it exhaustively instead of
// matching error strings.
type Kind int

const (
	// KindTransient covers network blips, chain gateway timeouts and
	// overload. The job is redelivered after backoff.
	KindTransient Kind = iota
	// KindPermanent covers failures no retry can fix: malformed payloads,
	// unknown properties, a chain that rejects the registration outright.
	// The job is acked and the property is marked failed.
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified registration failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a failure that must not be retried.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// IsPermanent reports whether err carries a permanent classification.
// Unclassified errors count as transient: retrying something harmless is
// cheaper than dead-ending something fixable.
func IsPermanent(err error) bool {
	var re *Error
	return stderrors.As(err, &re) && re.Kind == KindPermanent
}
