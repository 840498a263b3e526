package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stitchquote/api/internal/repositories"
)

// WrapError annotates Firestore errors with store error codes. Errors that already carry a
// store code are returned unchanged so transaction callbacks can abort with a typed error.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var storeErr *repositories.StoreError
	if errors.As(err, &storeErr) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, "", err)
	}

	return repositories.NewStoreError(op, codeFor(status.Code(err)), "", err)
}

func codeFor(code codes.Code) repositories.StoreErrorCode {
	switch code {
	case codes.NotFound:
		return repositories.StoreErrorNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return repositories.StoreErrorConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded, codes.Canceled:
		return repositories.StoreErrorUnavailable
	default:
		return repositories.StoreErrorUnknown
	}
}
