// Package apperr classifies failures so callers can branch on what went wrong
// and users always see a stable message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation      Kind = "validation"
	KindIngestionFailed Kind = "ingestion_failed"
	KindSchema          Kind = "schema"
	KindNotFound        Kind = "not_found"
	KindUnauthorized    Kind = "unauthorized"
	KindInternal        Kind = "internal"
)

// Error carries a Kind and, for pipeline failures, the stage that failed.
type Error struct {
	Kind    Kind
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Stage != "" {
		msg = fmt.Sprintf("%s (stage %s)", msg, e.Stage)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// IngestionFailed wraps a dependency failure that exhausted its retries.
func IngestionFailed(stage string, err error) error {
	return &Error{Kind: KindIngestionFailed, Stage: stage, Message: "ingestion failed", Err: err}
}

func Schema(format string, args ...any) error {
	return &Error{Kind: KindSchema, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what, id string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", what, id)}
}

func Unauthorized(msg string) error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// WithStage attaches a stage to err. Classified errors keep their kind;
// anything else becomes internal.
func WithStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Stage != "" {
			return err
		}
		cp := *ae
		cp.Stage = stage
		return &cp
	}
	return &Error{Kind: KindInternal, Stage: stage, Err: err}
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

func StageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Stage
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UserMessage never exposes wrapped dependency errors.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if !errors.As(err, &ae) {
		return "An internal error occurred. Please try again later."
	}

	switch ae.Kind {
	case KindValidation:
		return ae.Message
	case KindIngestionFailed:
		if ae.Stage != "" {
			return fmt.Sprintf("Document processing failed during %s. You can retry the upload.", ae.Stage)
		}
		return "Document processing failed. You can retry the upload."
	case KindSchema:
		return "The embedding configuration does not match the existing index."
	case KindNotFound:
		return ae.Message
	case KindUnauthorized:
		return "Authentication required."
	default:
		return "An internal error occurred. Please try again later."
	}
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindIngestionFailed:
		return http.StatusBadGateway
	case KindSchema:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
