package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestlerbio/epilens/internal/faults"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func respondError(c *gin.Context, err error) {
	kind := faults.KindOf(err)
	c.JSON(statusFor(kind), ErrorEnvelope{
		Error: APIError{Message: err.Error(), Code: kind.String()},
	})
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// statusFor maps the fault taxonomy onto HTTP. Numerical failures are the
// caller's data being unprocessable by the model, not a server fault.
func statusFor(kind faults.Kind) int {
	switch kind {
	case faults.KindInput, faults.KindConfig:
		return http.StatusBadRequest
	case faults.KindNumerical, faults.KindAlignment:
		return http.StatusUnprocessableEntity
	case faults.KindResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
