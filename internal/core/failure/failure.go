// Package failure classifies errors raised while driving remote portals so the
// run engine can decide between failing one batch item and failing the run.
package failure

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindNetwork    Kind = "network"
	KindAuth       Kind = "auth"
	KindLocator    Kind = "locator"
	KindValidation Kind = "validation"
	KindGuard      Kind = "guard"
	KindCanceled   Kind = "canceled"
	KindInternal   Kind = "internal"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Network(op string, err error) error  { return New(KindNetwork, op, err) }
func Auth(op string, err error) error     { return New(KindAuth, op, err) }
func Locator(op string, err error) error  { return New(KindLocator, op, err) }
func Internal(op string, err error) error { return New(KindInternal, op, err) }

// KindOf reports the kind of the outermost classified error in err's chain.
// Context cancellation maps to KindCanceled; anything else unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindInternal
}

// IsFatal reports whether err must abort the whole run rather than one item.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindAuth, KindCanceled:
		return true
	}
	return false
}
