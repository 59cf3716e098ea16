// Package cbmerr defines the Commodore DOS error codes returned in byte 0
// of every FS_REPLY payload, plus a small error type that carries one of
// them through ordinary Go error handling until it reaches the wire.
package cbmerr

import (
	"errors"
	"fmt"
)

// Code is a Commodore DOS error number, as reported by the drive's error
// channel (the same numbers printed by the classic "?73,CBM DOS..." style
// status line).
type Code byte

// Selected CBM error codes (spec.md §6). Many values follow the
// conventional CBM DOS error-channel numbering; others (FAULT,
// FILE_TYPE_MISMATCH, NO_BLOCK, RECORD_NOT_PRESENT, OVERFLOW_IN_RECORD,
// OPEN_REL, ...) are numbers of this server's own. The constants are
// grouped by category, not listed in numeric order.
const (
	OK                 Code = 0
	SCRATCHED          Code = 1
	RECORD_NOT_PRESENT Code = 64
	OVERFLOW_IN_RECORD Code = 50
	OPEN_REL           Code = 97 // "non-fatal success": record-length meta follows

	FAULT           Code = 2
	FILE_TYPE_MISMATCH Code = 4
	NO_BLOCK        Code = 5
	ILLEGAL_T_OR_S  Code = 66
	WRITE_PROTECT   Code = 26
	DISK_FULL       Code = 72
	DRIVE_NOT_READY Code = 74
	NO_CHANNEL      Code = 70
	NO_PERMISSION   Code = 71

	FILE_NOT_FOUND Code = 62
	FILE_EXISTS    Code = 63
	DIR_NOT_FOUND  Code = 39
	DIR_NOT_EMPTY  Code = 40

	SYNTAX_INVAL         Code = 30
	SYNTAX_PATTERN       Code = 31
	SYNTAX_DIR_SEPARATOR Code = 32
	SYNTAX_WILDCARDS     Code = 33
	FILE_NAME_TOO_LONG   Code = 34
)

// String names, used for log messages and the TERM diagnostic opcode.
var names = map[Code]string{
	OK:                   "OK",
	SCRATCHED:            "SCRATCHED",
	RECORD_NOT_PRESENT:   "RECORD_NOT_PRESENT",
	OVERFLOW_IN_RECORD:   "OVERFLOW_IN_RECORD",
	OPEN_REL:             "OPEN_REL",
	FAULT:                "FAULT",
	FILE_TYPE_MISMATCH:   "FILE_TYPE_MISMATCH",
	NO_BLOCK:             "NO_BLOCK",
	ILLEGAL_T_OR_S:       "ILLEGAL_T_OR_S",
	WRITE_PROTECT:        "WRITE_PROTECT",
	DISK_FULL:            "DISK_FULL",
	DRIVE_NOT_READY:      "DRIVE_NOT_READY",
	NO_CHANNEL:           "NO_CHANNEL",
	NO_PERMISSION:        "NO_PERMISSION",
	FILE_NOT_FOUND:       "FILE_NOT_FOUND",
	FILE_EXISTS:          "FILE_EXISTS",
	DIR_NOT_FOUND:        "DIR_NOT_FOUND",
	DIR_NOT_EMPTY:        "DIR_NOT_EMPTY",
	SYNTAX_INVAL:         "SYNTAX_INVAL",
	SYNTAX_PATTERN:       "SYNTAX_PATTERN",
	SYNTAX_DIR_SEPARATOR: "SYNTAX_DIR_SEPARATOR",
	SYNTAX_WILDCARDS:     "SYNTAX_WILDCARDS",
	FILE_NAME_TOO_LONG:   "FILE_NAME_TOO_LONG",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("ERR(%d)", byte(c))
}

// Fatal reports whether c should cause the dispatcher to close any channel
// it had tentatively opened for the request. SCRATCHED and OPEN_REL are
// "successful non-zero" codes and must not release the channel.
func (c Code) Fatal() bool {
	switch c {
	case OK, SCRATCHED, OPEN_REL, RECORD_NOT_PRESENT:
		return false
	default:
		return true
	}
}

// Error wraps a Code so it can travel through ordinary Go error returns.
// Track/Sector carry an offending track/sector for ILLEGAL_T_OR_S/DISK_FULL/NO_BLOCK
// replies that must echo it; both zero means "not applicable".
type Error struct {
	Code    Code
	Track   byte
	Sector  byte
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code.String()
}

// New builds a plain Error for the given code.
func New(c Code, msg string) *Error { return &Error{Code: c, Message: msg} }

// NewTS builds an Error that also carries the track/sector to echo back.
func NewTS(c Code, t, s byte, msg string) *Error { return &Error{Code: c, Track: t, Sector: s, Message: msg} }

// As extracts a *Error from err, defaulting to FAULT if err is a plain
// Go error with no CBM code attached.
func As(err error) *Error {
	if err == nil {
		return &Error{Code: OK}
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: FAULT, Message: err.Error()}
}
