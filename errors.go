package orchestrator

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	CodeInvalidArgument   = "ORCH_INVALID_ARGUMENT"
	CodeInvalidTransition = "ORCH_INVALID_TRANSITION"
	CodeNotFound          = "ORCH_NOT_FOUND"
	CodeAlreadyFinalized  = "ORCH_ALREADY_FINALIZED"
	CodeStoreFailure      = "ORCH_STORE_FAILURE"
	CodeBusFailure        = "ORCH_BUS_FAILURE"
	CodeWriteAheadMissing = "ORCH_WRITE_AHEAD_MISSING"
)

var (
	ErrInvalidArgument = apperrors.New("invalid argument", apperrors.CategoryValidation).
				WithTextCode(CodeInvalidArgument)
	ErrInvalidTransition = apperrors.New("invalid state transition", apperrors.CategoryBadInput).
				WithTextCode(CodeInvalidTransition)
	ErrNotFound = apperrors.New("operation not found", apperrors.CategoryBadInput).
			WithTextCode(CodeNotFound)
	ErrAlreadyFinalized = apperrors.New("operation already finalized", apperrors.CategoryConflict).
				WithTextCode(CodeAlreadyFinalized)
	ErrStoreFailure = apperrors.New("store failure", apperrors.CategoryExternal).
			WithTextCode(CodeStoreFailure)
	ErrBusFailure = apperrors.New("bus failure", apperrors.CategoryExternal).
			WithTextCode(CodeBusFailure)
	ErrWriteAheadMissing = apperrors.New("write-ahead entry missing", apperrors.CategoryBadInput).
				WithTextCode(CodeWriteAheadMissing)
)

// NewError clones base with an optional message override, cause and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidArgument
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func invalidArgument(field, message string) *apperrors.Error {
	return NewError(ErrInvalidArgument, message, nil, map[string]any{"field": field})
}

// ErrorCode returns the text code of the first go-errors value in err's chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsAlreadyFinalized reports whether err signals a write against a terminal operation.
func IsAlreadyFinalized(err error) bool {
	return HasCode(err, CodeAlreadyFinalized)
}

// IsNotFound reports whether err signals a missing operation.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}
