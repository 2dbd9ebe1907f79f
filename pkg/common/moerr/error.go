// Copyright 2021 - 2022 Matrix Origin
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
	"io"
)

const (
	// 0 - 99 is OK.  They do not carry real error information and are
	// handled with static instances, no alloc.
	Ok              uint16 = 0
	OkStopCurrRecur uint16 = 1
	OkExpectedEOF   uint16 = 2 // Expected End Of File
	OkExpectedEOB   uint16 = 3 // Expected End of Batch

	OkMax uint16 = 99

	// 100 - 199 is Info.
	ErrInfo uint16 = 100

	// 200 - 299 is Warning.
	ErrWarn uint16 = 200

	// Group 1: internal errors
	ErrStart    uint16 = 20100
	ErrInternal uint16 = 20101
	ErrNYI      uint16 = 20102
	ErrOOM      uint16 = 20103

	// Group 2: numeric
	ErrOutOfRange uint16 = 20200
	ErrInvalidArg uint16 = 20201

	// Group 3: invalid input
	ErrBadConfig    uint16 = 20300
	ErrInvalidInput uint16 = 20301

	// Group 4: unexpected state
	ErrInvalidState  uint16 = 20400
	ErrUnexpectedEOF uint16 = 20401
	ErrNotSupported  uint16 = 20402

	// ErrEnd, the max value of error code
	ErrEnd uint16 = 65535
)

type moErrorMsgItem struct {
	errorMsgOrFormat string
}

var errorMsgRefer = map[uint16]moErrorMsgItem{
	// OK code not in this table, they should not leak out as errors.

	ErrInfo: {"info: %s"},
	ErrWarn: {"warning: %s"},

	ErrStart:    {"internal error: error code start"},
	ErrInternal: {"internal error: %s"},
	ErrNYI:      {"%s is not yet implemented"},
	ErrOOM:      {"error: out of memory"},

	ErrOutOfRange: {"out of range: %s"},
	ErrInvalidArg: {"invalid argument %s, bad value %v"},

	ErrBadConfig:    {"invalid configuration: %s"},
	ErrInvalidInput: {"invalid input: %s"},

	ErrInvalidState:  {"invalid state %s"},
	ErrUnexpectedEOF: {"unexpected end of file %s"},
	ErrNotSupported:  {"not supported: %s"},

	ErrEnd: {"internal error: end of errcode code"},
}

func newError(code uint16, args ...any) *Error {
	item, has := errorMsgRefer[code]
	if !has {
		panic(fmt.Sprintf("not exist error code: %d", code))
	}
	if len(args) == 0 {
		return &Error{
			code:    code,
			message: item.errorMsgOrFormat,
		}
	}
	return &Error{
		code:    code,
		message: fmt.Sprintf(item.errorMsgOrFormat, args...),
	}
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

func (e *Error) WithDetail(detail string) *Error {
	e.detail = detail
	return e
}

func (e *Error) Succeeded() bool {
	return e.code < OkMax
}

// IsMoErrCode reports whether err is an *Error carrying the given code.
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

// ConvertPanicError converts a runtime panic to an internal error.
func ConvertPanicError(v interface{}) *Error {
	if e, ok := v.(*Error); ok {
		return e
	}
	return newError(ErrInternal, fmt.Sprintf("panic %v", v))
}

// ConvertGoError converts a go error into a mo error.
// Note here we must return error, because nil error
// is not the same as nil *Error -- Go strangeness.
func ConvertGoError(err error) error {
	// nil is nil
	if err == nil {
		return err
	}

	// already a moerr, return it as is
	if _, ok := err.(*Error); ok {
		return err
	}

	// convert a few well known os/go errors.
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// if io.EOF reaches here, we believe it is not expected.
		return NewUnexpectedEOF(err.Error())
	}

	return NewInternalError("convert go error to mo error %v", err)
}

// Special handling of OK codes.  These are not errors, but are used to
// signal different success conditions in tight, performance critical
// loops where we cannot afford to allocate an Error per call.  The
// returned *Error can be tested with either
//
//	   if err == GetOkXXX()
//	or if moerr.IsMoErrCode(err, moerr.OkXXX)
var errOkStopCurrRecur = Error{OkStopCurrRecur, "StopCurrRecur", ""}
var errOkExpectedEOF = Error{OkExpectedEOF, "ExpectedEOF", ""}
var errOkExpectedEOB = Error{OkExpectedEOB, "ExpectedEOB", ""}

func GetOkStopCurrRecur() *Error {
	return &errOkStopCurrRecur
}

func GetOkExpectedEOF() *Error {
	return &errOkExpectedEOF
}

func GetOkExpectedEOB() *Error {
	return &errOkExpectedEOB
}

func NewInfo(msg string) *Error {
	return newError(ErrInfo, msg)
}

func NewWarn(msg string) *Error {
	return newError(ErrWarn, msg)
}

func NewInternalError(msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ErrInternal, xmsg)
}

func NewNYI(msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ErrNYI, xmsg)
}

func NewOOM() *Error {
	return newError(ErrOOM)
}

func NewOutOfRange(msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ErrOutOfRange, xmsg)
}

func NewInvalidArg(arg string, val any) *Error {
	return newError(ErrInvalidArg, arg, val)
}

func NewBadConfig(msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ErrBadConfig, xmsg)
}

func NewInvalidInput(msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ErrInvalidInput, xmsg)
}

func NewInvalidState(msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ErrInvalidState, xmsg)
}

func NewUnexpectedEOF(msg string) *Error {
	return newError(ErrUnexpectedEOF, msg)
}

func NewNotSupported(msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ErrNotSupported, xmsg)
}
