package syncqueue

import (
	"context"
	"errors"

	apperrors "github.com/kislikjeka/gatekeeper/internal/shared/errors"
)

// ErrorClass drives what the worker does after a failed send
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassPermanent
	ClassConflict
)

func (c ErrorClass) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassConflict:
		return "conflict"
	default:
		return "transient"
	}
}

// Classify sorts a send error. Unknown errors are treated as transient so
// they are retried until the attempt ceiling.
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case apperrors.HasCode(err, apperrors.ErrCodePermanentRemote):
		return ClassPermanent
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnknownTable):
		return ClassPermanent
	case apperrors.HasCode(err, apperrors.ErrCodeTransientNetwork):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassTransient
}
