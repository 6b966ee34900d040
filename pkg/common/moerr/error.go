// Copyright 2021 - 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package moerr

import (
	"fmt"
)

const (
	// 0 - 99 is OK.  They do not contain info, and are special handled
	// using a static instance, no alloc.
	Ok    uint16 = 0
	OkMax uint16 = 99

	// 100 - 200 is Info
	ErrInfo uint16 = 100

	// Group 1: Internal errors
	ErrStart    uint16 = 20100
	ErrInternal uint16 = 20101
	ErrNYI      uint16 = 20102
	ErrOOM      uint16 = 20103

	// Group 2: invalid input
	ErrBadConfig    uint16 = 20300
	ErrInvalidInput uint16 = 20301

	// Group 3: reduction data path
	ErrNoSpace         uint16 = 20600
	ErrRecheckRequired uint16 = 20601
	ErrDataCorruption  uint16 = 20602

	// ErrEnd, the max value of error code
	ErrEnd uint16 = 65535
)

type moErrorMsgItem struct {
	errorMsgOrFormat string
}

var errorMsgRefer = map[uint16]moErrorMsgItem{
	// OK code not in this table.  They do not carry a message and
	// should not leak back to the caller as errors.

	// Info
	ErrInfo: {"info: %s"},

	// Group 1: Internal errors
	ErrStart:    {"internal error: error code start"},
	ErrInternal: {"internal error: %s"},
	ErrNYI:      {"%s is not yet implemented"},
	ErrOOM:      {"error: out of memory"},

	// Group 2: invalid input
	ErrBadConfig:    {"invalid configuration: %s"},
	ErrInvalidInput: {"invalid input: %s"},

	// Group 3: reduction data path
	ErrNoSpace:         {"no space: %s"},
	ErrRecheckRequired: {"recheck required: aggregate overflow, redo on a wider type"},
	ErrDataCorruption:  {"data corruption: %s"},

	// Group End: max value of error code
	ErrEnd: {"internal error: end of errcode code"},
}

func newError(code uint16, args ...any) *Error {
	var err *Error
	item, has := errorMsgRefer[code]
	if !has {
		panic(fmt.Errorf("missing error code: %d", code))
	}
	if len(args) == 0 {
		err = &Error{
			code:    code,
			message: item.errorMsgOrFormat,
		}
	} else {
		err = &Error{
			code:    code,
			message: fmt.Sprintf(item.errorMsgOrFormat, args...),
		}
	}
	return err
}

type Error struct {
	code    uint16
	message string
	detail  string
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) Detail() string {
	return e.detail
}

func (e *Error) Display() string {
	if len(e.detail) == 0 {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.detail)
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) Succeeded() bool {
	return e.code < OkMax
}

func IsMoErrCode(e error, rc uint16) bool {
	if e == nil {
		return rc == Ok
	}

	me, ok := e.(*Error)
	if !ok {
		// This is not a moerr
		return false
	}
	return me.code == rc
}

func DowncastError(e error) *Error {
	if err, ok := e.(*Error); ok {
		return err
	}
	return newError(ErrInternal, fmt.Sprintf("downcast error failed: %v", e))
}

// ConvertPanicError converts a runtime panic to internal error.
func ConvertPanicError(v interface{}) *Error {
	if e, ok := v.(*Error); ok {
		return e
	}
	return newError(ErrInternal, fmt.Sprintf("panic %v", v))
}

// ConvertGoError converts a go error into mo error.
// Note here we must return error, because nil error
// is the same as nil *Error -- Go strangeness.
func ConvertGoError(err error) error {
	// nil is nil
	if err == nil {
		return err
	}

	// already a moerr, return it as is
	if _, ok := err.(*Error); ok {
		return err
	}

	return NewInternalError("convert go error to mo error %v", err)
}

// CodeToError materializes a kernel status word as an error.  Zero is
// success and maps to nil.
func CodeToError(code uint16) error {
	if code == Ok {
		return nil
	}
	switch code {
	case ErrNoSpace:
		return NewNoSpace("destination rows or hash slots exhausted")
	case ErrRecheckRequired:
		return NewRecheckRequired()
	case ErrDataCorruption:
		return NewDataCorruption("column cell")
	case ErrNYI:
		return NewNYI("operator")
	case ErrOOM:
		return NewOOM()
	default:
		return NewInternalError("unexpected status code %d", code)
	}
}

func NewInfo(msg string) *Error {
	return newError(ErrInfo, msg)
}

func NewInternalError(msg string, args ...any) *Error {
	return newError(ErrInternal, fmt.Sprintf(msg, args...))
}

func NewNYI(msg string, args ...any) *Error {
	return newError(ErrNYI, fmt.Sprintf(msg, args...))
}

func NewOOM() *Error {
	return newError(ErrOOM)
}

func NewBadConfig(msg string, args ...any) *Error {
	return newError(ErrBadConfig, fmt.Sprintf(msg, args...))
}

func NewInvalidInput(msg string, args ...any) *Error {
	return newError(ErrInvalidInput, fmt.Sprintf(msg, args...))
}

func NewNoSpace(msg string, args ...any) *Error {
	return newError(ErrNoSpace, fmt.Sprintf(msg, args...))
}

func NewRecheckRequired() *Error {
	return newError(ErrRecheckRequired)
}

func NewDataCorruption(msg string, args ...any) *Error {
	return newError(ErrDataCorruption, fmt.Sprintf(msg, args...))
}
