// Package errmap translates transport and storage failures into the domain
// error taxonomy shown to users. Raw transport errors never cross it.
package errmap

import (
	"context"
	"errors"

	"github.com/l0p7/calsync/internal/domain"
	"github.com/l0p7/calsync/internal/persist"
	"github.com/l0p7/calsync/internal/remote"
)

const (
	conflictMessage      = "A conflict occurred. Please try again."
	payloadMessage       = "Data too large to upload."
	serializationMessage = "Failed to process server response."
)

// Map classifies err. It returns nil for a nil error and passes an existing
// *domain.Error through unchanged.
func Map(err error) *domain.Error {
	if err == nil {
		return nil
	}
	if de, ok := domain.AsError(err); ok {
		return de
	}

	var te *remote.TransportError
	if errors.As(err, &te) {
		return fromTransport(te.Kind, err)
	}

	var se *persist.StorageError
	if errors.As(err, &se) {
		return domain.NewError(domain.KindDatabase, "", err)
	}
	if errors.Is(err, persist.ErrNotFound) {
		return domain.NewError(domain.KindNotFound, "", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindTimeout, "", err)
	}
	return domain.Unknown("", err)
}

// Err is Map for call sites that need a plain error; nil stays nil.
func Err(err error) error {
	if de := Map(err); de != nil {
		return de
	}
	return nil
}

func fromTransport(kind remote.Kind, cause error) *domain.Error {
	switch kind {
	case remote.KindNoInternet:
		return domain.NewError(domain.KindNoInternet, "", cause)
	case remote.KindTimeout:
		return domain.NewError(domain.KindTimeout, "", cause)
	case remote.KindServerError, remote.KindUnavailable:
		return domain.NewError(domain.KindServerError, "", cause)
	case remote.KindUnauthorized:
		return domain.NewError(domain.KindUnauthorized, "", cause)
	case remote.KindNotFound:
		return domain.NewError(domain.KindNotFound, "", cause)
	case remote.KindConflict:
		return domain.Unknown(conflictMessage, cause)
	case remote.KindPayloadTooLarge:
		return domain.Unknown(payloadMessage, cause)
	case remote.KindSerialization:
		return domain.Unknown(serializationMessage, cause)
	default:
		return domain.Unknown("", cause)
	}
}
