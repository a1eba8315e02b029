package transport

import (
	"net/http"
	"strings"

	"github.com/twinctl/twinctl/internal/twerrors"
)

const problemTypeBase = "https://twinctl.dev/problems/"

// FromError maps any error to its RFC 7807 representation using the sentinel
// chain.
func FromError(err error) Problem {
	code := twerrors.CodeForError(err)
	return Problem{
		Type:   problemTypeBase + strings.ToLower(string(code)),
		Title:  string(code),
		Status: statusFor(code),
		Detail: err.Error(),
	}
}

func statusFor(code twerrors.ErrorCode) int {
	switch code {
	case twerrors.CodeValidationError, twerrors.CodeParseError:
		return http.StatusBadRequest
	case twerrors.CodeNotFound:
		return http.StatusNotFound
	case twerrors.CodeConflict:
		return http.StatusConflict
	case twerrors.CodeSafetyBlock:
		return http.StatusUnprocessableEntity
	case twerrors.CodeInfrastructureDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
