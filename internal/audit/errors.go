package audit

import (
	"errors"
	"net/http"
)

// Errors returned by the engine. Callers classify with errors.Is; the
// returned errors wrap these with channel and resource context.
var (
	ErrForbiddenChannel      = errors.New("forbidden channel")
	ErrReadOnlyChannel       = errors.New("cannot write to read-only channel")
	ErrChannelNotFound       = errors.New("channel does not exist")
	ErrAssetNotFound         = errors.New("asset does not exist")
	ErrAssetExists           = errors.New("asset already exists")
	ErrChannelExists         = errors.New("channel already exists")
	ErrCommitFailed          = errors.New("channel commit failed")
	ErrQueryFailed           = errors.New("channel query failed")
	ErrUnsupportedCommitType = errors.New("unsupported commit type")
	ErrInvalidCryptoMode     = errors.New("invalid channel mode")
	ErrMissingKeyMaterial    = errors.New("restricted channel requires key material")
	ErrInvalidPattern        = errors.New("invalid channel pattern")

	// ErrPositionTaken is returned by a Transport when the ledger already
	// holds an entry at the cursor's position.
	ErrPositionTaken = errors.New("ledger position already taken")

	// History walks wrap these in ErrQueryFailed.
	ErrChainTooLong = errors.New("audit chain exceeds maximum depth")
	ErrChainCycle   = errors.New("audit chain links back to an earlier entry")
)

// StatusCode maps an engine error to the HTTP status the request layer
// reports. Unclassified errors are 500.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidPattern):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbiddenChannel), errors.Is(err, ErrReadOnlyChannel):
		return http.StatusForbidden
	case errors.Is(err, ErrChannelNotFound), errors.Is(err, ErrAssetNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAssetExists), errors.Is(err, ErrChannelExists), errors.Is(err, ErrUnsupportedCommitType):
		return http.StatusConflict
	case errors.Is(err, ErrCommitFailed), errors.Is(err, ErrQueryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
