package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-trader/internal/orders"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeBrokerError      = "BROKER_ERROR"
	ErrCodeRateLimited      = "RATE_LIMITED"
)

// Handle sends data on success and maps err to a status code otherwise
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var verr *orders.ValidationError
	var berr *orders.BrokerError
	switch {
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, err.Error())
	case errors.As(err, &verr):
		write(c, http.StatusBadRequest, ErrCodeValidationFailed, verr.Error())
	case errors.Is(err, orders.ErrInvalidState):
		write(c, http.StatusConflict, ErrCodeInvalidState, err.Error())
	case errors.As(err, &berr):
		write(c, http.StatusBadGateway, ErrCodeBrokerError, berr.Error())
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a 200, or 201 for POST requests
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}
	c.JSON(status, Response{Success: true, Data: data})
}

func NotFound(c *gin.Context, message string) {
	write(c, http.StatusNotFound, ErrCodeNotFound, message)
}

func BadRequest(c *gin.Context, message string) {
	write(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func Unauthorized(c *gin.Context, message string) {
	write(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func Forbidden(c *gin.Context, message string) {
	write(c, http.StatusForbidden, ErrCodeForbidden, message)
}

func TooManyRequests(c *gin.Context, message string) {
	write(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

func InternalError(c *gin.Context, message string) {
	write(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

func write(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
