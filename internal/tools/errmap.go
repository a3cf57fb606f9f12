package tools

import (
	"errors"
	"fmt"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/coord"
	"github.com/masclabs/masc/internal/ratelimit"
	"github.com/masclabs/masc/internal/storage"
)

// renderError maps engine and middleware errors to stable human messages.
func renderError(err error) *Result {
	var (
		conflict  *coord.VersionConflictError
		claimed   *coord.TaskAlreadyClaimedError
		invalid   *coord.TaskInvalidStateError
		portal    *coord.PortalAlreadyOpenError
		forbidden *auth.ForbiddenError
		limited   *ratelimit.Error
	)
	switch {
	case errors.As(err, &conflict):
		return ErrorResult(fmt.Sprintf(
			"version conflict: expected %d but the backlog is at %d; re-read and retry",
			conflict.Expected, conflict.Actual)).WithError(err)
	case errors.As(err, &claimed):
		return ErrorResult(fmt.Sprintf("task %s is already claimed by %s", claimed.TaskID, claimed.By)).WithError(err)
	case errors.As(err, &invalid):
		return ErrorResult(err.Error()).WithError(err)
	case errors.As(err, &portal):
		return ErrorResult(fmt.Sprintf("portal %s -> %s is already open", portal.Agent, portal.Target)).WithError(err)
	case errors.As(err, &forbidden):
		return ErrorResult(err.Error()).WithError(err)
	case errors.As(err, &limited):
		return ErrorResult(fmt.Sprintf(
			"rate limit exceeded for %s (%d/%d); retry in %.0f seconds",
			limited.Category, limited.Current, limited.Limit, limited.WaitSeconds)).WithError(err)
	case errors.Is(err, coord.ErrNotInitialized):
		return ErrorResult("room not initialized; run init first").WithError(err)
	case errors.Is(err, coord.ErrAlreadyInitialized):
		return ErrorResult("room already initialized").WithError(err)
	case errors.Is(err, coord.ErrRoomPaused):
		return ErrorResult("room is paused; an admin must resume before writes").WithError(err)
	case errors.Is(err, coord.ErrAgentNotFound):
		return ErrorResult(err.Error()).WithError(err)
	case errors.Is(err, coord.ErrInvalidAgentName):
		return ErrorResult(err.Error()).WithError(err)
	case errors.Is(err, coord.ErrTaskNotFound):
		return ErrorResult(err.Error()).WithError(err)
	case errors.Is(err, coord.ErrPortalNotOpen):
		return ErrorResult("no open portal; open_portal to the target first").WithError(err)
	case errors.Is(err, coord.ErrPortalClosed):
		return ErrorResult(err.Error()).WithError(err)
	case errors.Is(err, auth.ErrTokenExpired):
		return ErrorResult("token expired; request a new token").WithError(err)
	case errors.Is(err, auth.ErrInvalidToken):
		return ErrorResult("invalid token").WithError(err)
	case errors.Is(err, auth.ErrUnauthorized):
		return ErrorResult("unauthorized: missing or unknown credential").WithError(err)
	case errors.Is(err, storage.ErrInvalidKey):
		return ErrorResult(err.Error()).WithError(err)
	case errors.Is(err, storage.ErrBackendNotSupported):
		return ErrorResult("the configured backend does not support this operation").WithError(err)
	default:
		return ErrorResult(fmt.Sprintf("internal error: %v", err)).WithError(err)
	}
}
