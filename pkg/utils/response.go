package utils

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response standard response structure
type Response struct {
	Code      ResponseCode `json:"code"`
	Message   string       `json:"message"`
	Data      interface{}  `json:"data,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// SuccessResponse returns success response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      CodeSuccess,
		Message:   "success",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// CreatedResponse returns 201 with the created resource.
func CreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:      CodeSuccess,
		Message:   "created",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// SuccessWithMessage returns 200 with a custom message
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      CodeSuccess,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// ErrorResponse writes err with the status and code derived from its AppError classification.
func ErrorResponse(c *gin.Context, err error) {
	c.AbortWithStatusJSON(HTTPStatus(err), Response{
		Code:      CodeOf(err),
		Message:   GetErrorMessage(err),
		Timestamp: time.Now().Unix(),
	})
}

// Error writes an explicit code and message.
func Error(c *gin.Context, code ResponseCode, message string) {
	appErr := NewError(code, message)
	c.AbortWithStatusJSON(HTTPStatus(appErr), Response{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
}
