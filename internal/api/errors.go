package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// toStatus maps a domain error to a gRPC status error.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	var inaccessible *outbox.ChatInaccessibleError
	var apiErr *remote.APIError
	code := codes.Internal
	switch {
	case errors.Is(err, outbox.ErrValidation), errors.Is(err, store.ErrInvalidSetting):
		code = codes.InvalidArgument
	case errors.Is(err, store.ErrPinLimit):
		code = codes.FailedPrecondition
	case errors.As(err, &inaccessible), errors.Is(err, outbox.ErrNotAllowed):
		code = codes.PermissionDenied
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 500:
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
