package model

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindValidation ErrorKind = "validation" // malformed or missing fields, rejected before touching state
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindTransient  ErrorKind = "transient" // store or catalog unreachable
)

// Error 带分类的业务错误
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同 Code 的错误视为同一个哨兵
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Kind == t.Kind
}

var (
	ErrRoomNotFound   = &Error{Kind: KindNotFound, Code: "room_not_found", Message: "room not found"}
	ErrTrackNotFound  = &Error{Kind: KindNotFound, Code: "track_not_found", Message: "track not found in playlist"}
	ErrDuplicateTrack = &Error{Kind: KindConflict, Code: "duplicate_track", Message: "track already in playlist"}
	ErrCodeExhausted  = &Error{Kind: KindConflict, Code: "code_collision", Message: "room code collision, please try again"}
)

// Validation 构造校验错误
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Code: "validation", Message: msg}
}

// Transient 包装底层 I/O 错误
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Code: "transient", Message: op, Err: err}
}

// KindOf 返回错误分类，未分类的错误按 transient 处理
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// CodeOf 返回错误码
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
