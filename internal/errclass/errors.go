// Package errclass は利用者に区別して返すべきエラー分類を定義する
package errclass

import (
	"errors"
	"fmt"
)

// Error は機械判定可能なエラー分類
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is はコードが一致するかで判定する
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithMessage は同じコードでメッセージ付きのエラーを返す
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef はフォーマット済みメッセージ付きのエラーを返す
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrBusy                = &Error{Code: "E_BUSY"}
	ErrPreconditionFailed  = &Error{Code: "E_PRECONDITION_FAILED"}
	ErrSubprocessFailure   = &Error{Code: "E_SUBPROCESS_FAILURE"}
	ErrUpstreamUnavailable = &Error{Code: "E_UPSTREAM_UNAVAILABLE"}
	ErrGrantExhausted      = &Error{Code: "E_GRANT_EXHAUSTED"}
	ErrGrantExpired        = &Error{Code: "E_GRANT_EXPIRED"}
	ErrGrantInvalid        = &Error{Code: "E_GRANT_INVALID"}
	ErrDuplicateEvent      = &Error{Code: "E_DUPLICATE_EVENT"}
	ErrNotFound            = &Error{Code: "E_NOT_FOUND"}
	ErrInvalidArgument     = &Error{Code: "E_INVALID_ARGUMENT"}
	ErrDeviceUnavailable   = &Error{Code: "E_DEVICE_UNAVAILABLE"}
	ErrSignatureInvalid    = &Error{Code: "E_SIGNATURE_INVALID"}
	ErrUnauthorized        = &Error{Code: "E_UNAUTHORIZED"}
)

// CodeOf はエラーチェーンから分類コードを取り出す。分類が無ければ空文字
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
