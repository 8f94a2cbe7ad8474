// Package apierror единый формат ошибок HTTP API: {success:false, error, code}
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"possync/internal/domain/sync"

	"github.com/danielgtaylor/huma/v2"
)

// APIError тело ошибки, которое видит клиент
type APIError struct {
	Status  int    `json:"-"`
	Success bool   `json:"success"`
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) GetStatus() int {
	return e.Status
}

func init() {
	// ошибки самой huma (разбор параметров, валидация) приводим к общему виду
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		details := make([]string, 0, len(errs))
		for _, err := range errs {
			if err != nil {
				details = append(details, err.Error())
			}
		}
		if len(details) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, strings.Join(details, "; "))
		}

		code := sync.CodeInternal
		switch {
		case status == http.StatusUnprocessableEntity:
			status = http.StatusBadRequest
			code = sync.CodeInvalidRequest
		case status >= 400 && status < 500:
			code = sync.CodeInvalidRequest
		}
		return New(status, code, msg)
	}
}

func New(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

func BadRequest(code, message string) *APIError {
	return New(http.StatusBadRequest, code, message)
}

// StatusOf HTTP-статус для кода ошибки
func StatusOf(code string) int {
	switch code {
	case sync.CodeInvalidRequest, sync.CodeValidationFailed, sync.CodeDeviceIDMissing, sync.CodeInvalidDeviceID:
		return http.StatusBadRequest
	case sync.CodeBatchTooLarge:
		return http.StatusRequestEntityTooLarge
	case sync.CodeDeviceTokenInvalid:
		return http.StatusUnauthorized
	case sync.CodeDeviceMismatch:
		return http.StatusForbidden
	case sync.CodeDeviceNotFound, sync.CodeConflictNotFound:
		return http.StatusNotFound
	case sync.CodeSyncInProgress, sync.CodeConflictResolved:
		return http.StatusConflict
	case sync.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case sync.CodeCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// FromDomain переводит ошибку сервиса в ответ API. Текст ошибок хранилища наружу не попадает.
func FromDomain(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	code := sync.CodeOf(err)
	if code == sync.CodeInternal && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		code = sync.CodeCancelled
	}
	return New(StatusOf(code), code, messageOf(err, code))
}

func messageOf(err error, code string) string {
	var de *sync.DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}

	switch code {
	case sync.CodeInvalidRequest, sync.CodeValidationFailed:
		return err.Error()
	case sync.CodeStorageUnavailable:
		return "storage is temporarily unavailable, retry later"
	case sync.CodeCancelled:
		return "request cancelled"
	case sync.CodeInternal:
		return "internal server error"
	case sync.CodeDeviceNotFound:
		return sync.ErrDeviceNotFound.Error()
	case sync.CodeConflictNotFound:
		return sync.ErrConflictNotFound.Error()
	case sync.CodeConflictResolved:
		return sync.ErrConflictResolved.Error()
	case sync.CodeSyncInProgress:
		return sync.ErrSyncInProgress.Error()
	case sync.CodeBatchTooLarge:
		return sync.ErrBatchTooLarge.Error()
	case sync.CodeDeviceTokenInvalid:
		return sync.ErrInvalidDeviceToken.Error()
	}
	return "internal server error"
}

// Write пишет ошибку из middleware, где нет возврата error
func Write(ctx huma.Context, e *APIError) error {
	ctx.SetHeader("Content-Type", "application/json")
	ctx.SetStatus(e.Status)
	return json.NewEncoder(ctx.BodyWriter()).Encode(e)
}
