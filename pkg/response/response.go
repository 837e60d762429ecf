package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/klear-lending/internal/types"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeRiskDataMissing   = "RISK_DATA_UNAVAILABLE"
	ErrCodeConflict          = "CONCURRENT_UPDATE"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// errorClass maps a sentinel onto a status and code. The wrapped message
// is returned to the caller unless the class hides it.
type errorClass struct {
	target  error
	status  int
	code    string
	message string
}

// Checked in order; the first match wins
var errorClasses = []errorClass{
	{target: types.ErrValidation, status: http.StatusBadRequest, code: ErrCodeValidationFailed},
	{target: types.ErrNotFound, status: http.StatusNotFound, code: ErrCodeNotFound},
	{target: gorm.ErrRecordNotFound, status: http.StatusNotFound, code: ErrCodeNotFound, message: "Resource not found"},
	{target: types.ErrExternalData, status: http.StatusConflict, code: ErrCodeRiskDataMissing},
	{target: types.ErrInconsistentState, status: http.StatusConflict, code: ErrCodeRiskDataMissing},
	{target: types.ErrConcurrencyConflict, status: http.StatusConflict, code: ErrCodeConflict},
	{target: gorm.ErrDuplicatedKey, status: http.StatusConflict, code: ErrCodeDuplicateResource, message: "Resource already exists"},
}

// Handle writes data on success, or the response for err's error class.
// Unclassified errors become a 500 without leaking their text.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	for _, class := range errorClasses {
		if !errors.Is(err, class.target) {
			continue
		}
		message := class.message
		if message == "" {
			message = err.Error()
		}
		fail(c, class.status, class.code, message)
		return
	}

	InternalError(c, "An unexpected error occurred")
}

// Success sends a successful response, 201 for POST
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response for malformed requests
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// ValidationFailed sends a 400 response for well-formed but rejected input
func ValidationFailed(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeValidationFailed, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// Conflict sends a 409 response for duplicate resources
func Conflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}
