package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/rendivia-backend/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error  APIError `json:"error"`
	Issues any      `json:"issues,omitempty"`
}

// RespondError writes the error envelope. Server errors never carry the
// underlying error text; it is attached to the gin context for the request
// logger instead.
func RespondError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: publicMessage(c, status, err),
			Code:    code,
		},
	})
}

// RespondAPIError renders err using its apierr status and code. Errors that
// are not *apierr.Error become a 500 with a generic message.
func RespondAPIError(c *gin.Context, err error) {
	ae := apierr.As(err)
	if ae == nil {
		RespondError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	c.JSON(ae.Status, ErrorEnvelope{
		Error:  APIError{Message: publicMessage(c, ae.Status, ae), Code: ae.Code},
		Issues: ae.Details,
	})
}

func publicMessage(c *gin.Context, status int, err error) string {
	if status >= http.StatusInternalServerError {
		if err != nil {
			_ = c.Error(err)
		}
		return "internal error"
	}
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
