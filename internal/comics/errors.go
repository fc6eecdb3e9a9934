package comics

import (
	"errors"
	"fmt"
)

var (
	errMissingStore = errors.New("document store is required")
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "comics.service.new"
	opSaveSeries          = "comics.save_series"
	opLoadSeries          = "comics.load_series"
	opGetSeries           = "comics.get_series"
	opUpdateSeries        = "comics.update_series"
	opDeleteSeries        = "comics.delete_series"
	opSaveChapter         = "comics.save_chapter"
	opLoadChapters        = "comics.load_chapters"
	opSaveProgress        = "comics.save_progress"
	opLoadProgress        = "comics.load_progress"
	opReadingStats        = "comics.reading_stats"
	opBatchUpdateProgress = "comics.batch_update_progress"

	reasonMissingStore  = "missing_store"
	reasonInvalidInput  = "invalid_input"
	reasonStoreFailed   = "store_failed"
	reasonDecodeFailed  = "decode_failed"
	reasonEncodeFailed  = "encode_failed"
	reasonNotFound      = "not_found"
	reasonNotSignedIn   = "not_authenticated"
	reasonPartialFailed = "partial_failure"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ErrorCode extracts the ServiceError code from err, or returns an empty string.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
