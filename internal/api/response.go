package api

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/shelf-locker/internal/errors"
	"github.com/wfunc/shelf-locker/internal/sequencer"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// respondError 按错误码写出错误响应
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		err = apperrors.Wrap(err, apperrors.ErrTimeout)
	case stderrors.Is(err, context.Canceled):
		err = apperrors.Wrap(err, apperrors.ErrCanceled)
	}

	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus(), ErrorResponse{
			Code:    int(appErr.Code),
			Message: appErr.Message,
			Details: appErr.Details,
		})
		return
	}

	if stderrors.Is(err, sequencer.ErrNotRunning) {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Code:    int(apperrors.ErrNotConnected),
			Message: "服务未运行",
			Details: err.Error(),
		})
		return
	}

	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Code:    int(apperrors.ErrUnknown),
		Message: "内部错误",
		Details: err.Error(),
	})
}

// respondBadRequest 请求参数错误
func respondBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Code:    int(apperrors.ErrInvalidParam),
		Message: "请求参数错误",
		Details: err.Error(),
	})
}
