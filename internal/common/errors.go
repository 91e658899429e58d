package common

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorCode uint16

const (
	Undefined         ErrorCode = 0
	FileNotFound      ErrorCode = 1
	AccessViolation   ErrorCode = 2
	DiskFull          ErrorCode = 3
	IllegalOperation  ErrorCode = 4
	UnknownTransferID ErrorCode = 5
	FileAlreadyExists ErrorCode = 6
	NoSuchUser        ErrorCode = 7
)

var defaultMessages = map[ErrorCode]string{
	Undefined:         "Not defined, see error message (if any)",
	FileNotFound:      "File not found",
	AccessViolation:   "Access violation",
	DiskFull:          "Disk full or allocation exceeded",
	IllegalOperation:  "Illegal TFTP operation",
	UnknownTransferID: "Unknown transfer ID",
	FileAlreadyExists: "File already exists",
	NoSuchUser:        "No such user",
}

var codeNames = map[ErrorCode]string{
	Undefined:         "Undefined",
	FileNotFound:      "FileNotFound",
	AccessViolation:   "AccessViolation",
	DiskFull:          "DiskFull",
	IllegalOperation:  "IllegalOperation",
	UnknownTransferID: "UnknownTransferID",
	FileAlreadyExists: "FileAlreadyExists",
	NoSuchUser:        "NoSuchUser",
}

var ErrUnknownErrorCode = errors.New("unknown error code")

// LookupErrorCode returns the catalog entry for code. Codes outside the
// catalog are an error, they are never mapped to Undefined.
func LookupErrorCode(code uint16) (ErrorCode, error) {
	c := ErrorCode(code)
	if _, ok := defaultMessages[c]; !ok {
		return 0, errors.Wrapf(ErrUnknownErrorCode, "code %d", code)
	}
	return c, nil
}

func (c ErrorCode) Message() string {
	return defaultMessages[c]
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint16(c))
}

// Local conditions that never cross the wire.
var (
	ErrConnectionLost   = errors.New("connection lost")
	ErrDecodeFailure    = errors.New("undecodable packet from untrusted source")
	ErrTransferTooLarge = errors.New("transfer exceeds the maximum block number")
)

// ProtocolError is a TFTP error condition tied to a catalog code. Remote is
// set when the error was received from the peer rather than detected locally.
type ProtocolError struct {
	Code    ErrorCode
	Message string
	Remote  bool
}

func (e *ProtocolError) Error() string {
	if e.Remote {
		return fmt.Sprintf("peer error %v: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%v: %s", e.Code, e.Message)
}

// Packet returns the ERROR packet that reports e to a peer.
func (e *ProtocolError) Packet() *Error {
	return NewError(e.Code, e.Message)
}

func NewProtocolError(code ErrorCode, format string, args ...interface{}) *ProtocolError {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = code.Message()
	}
	return &ProtocolError{Code: code, Message: msg}
}

// CodeOf reports the catalog code carried by err, if any.
func CodeOf(err error) (ErrorCode, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return 0, false
}
