package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Code is the machine-readable error code carried by every failed response.
type Code string

const (
	CodeOK             Code = "OK"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"
	CodeSessionInvalid Code = "SESSION_INVALID"
	CodeProviderError  Code = "PROVIDER_ERROR"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeForbidden      Code = "FORBIDDEN"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInternal       Code = "INTERNAL"
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    CodeOK,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code Code, msg string) {
	FailWithData(c, httpStatus, code, msg, nil)
}

func FailWithData(c *gin.Context, httpStatus int, code Code, msg string, data any) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    data,
	})
}
