package sync

import "errors"

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceExists       = errors.New("device already exists")
	ErrEntityNotFound     = errors.New("entity not found")
	ErrOperationNotFound  = errors.New("operation not found")
	ErrConflictNotFound   = errors.New("conflict not found")
	ErrConflictResolved   = errors.New("conflict already resolved")
	ErrVersionConflict    = errors.New("entity version conflict")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrInvalidDeviceToken = errors.New("invalid device token")
	ErrSyncInProgress     = errors.New("sync already in progress for device")
	ErrBatchTooLarge      = errors.New("operation batch too large")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Коды ошибок, по которым клиент решает: повторить, разрешить вручную или отбросить
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeDeviceIDMissing    = "DEVICE_ID_MISSING"
	CodeInvalidDeviceID    = "INVALID_DEVICE_ID_FORMAT"
	CodeDeviceMismatch     = "DEVICE_MISMATCH"
	CodeDeviceTokenInvalid = "DEVICE_TOKEN_INVALID"
	CodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	CodeSyncInProgress     = "SYNC_IN_PROGRESS"
	CodeBatchTooLarge      = "BATCH_TOO_LARGE"
	CodeConflictNotFound   = "CONFLICT_NOT_FOUND"
	CodeConflictResolved   = "CONFLICT_ALREADY_RESOLVED"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeCancelled          = "REQUEST_CANCELLED"
	CodeInternal           = "INTERNAL_ERROR"
)

type DomainError struct {
	Err     error
	Message string
	Code    string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func newError(err error, code, message string) *DomainError {
	return &DomainError{Err: err, Code: code, Message: message}
}

// CodeOf возвращает машиночитаемый код ошибки
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}

	switch {
	case errors.Is(err, ErrInvalidOperation):
		return CodeValidationFailed
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrInvalidDeviceToken):
		return CodeDeviceTokenInvalid
	case errors.Is(err, ErrDeviceNotFound):
		return CodeDeviceNotFound
	case errors.Is(err, ErrSyncInProgress):
		return CodeSyncInProgress
	case errors.Is(err, ErrBatchTooLarge):
		return CodeBatchTooLarge
	case errors.Is(err, ErrConflictNotFound):
		return CodeConflictNotFound
	case errors.Is(err, ErrConflictResolved):
		return CodeConflictResolved
	case errors.Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	}
	return CodeInternal
}

// Retryable ошибка временная, операцию можно отправить повторно
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrSyncInProgress)
}
