package common

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

//        2 bytes    string   1 byte     string   1 byte
//        -----------------------------------------------
// RRQ/  | 01/02 |  Filename  |   0  |    Mode    |   0  |
// WRQ    -----------------------------------------------
//
//        2 bytes    2 bytes      n bytes
//        ---------------------------------
// DATA  | 03    |   Block #  |    Data    |
//        ---------------------------------
//
//        2 bytes    2 bytes
//        -------------------
// ACK   | 04    |   Block #  |
//        --------------------
//
//        2 bytes  2 bytes        string    1 byte
//        ----------------------------------------
// ERROR | 05    |  ErrorCode |   ErrMsg   |   0  |
//        ----------------------------------------

// Every decode failure matches ErrMalformedPacket with errors.Is.
var (
	ErrMalformedPacket = errors.New("malformed packet")

	ErrPacketTooShort  = &decodeError{"packet too short"}
	ErrPacketTooLong   = &decodeError{"packet too long"}
	ErrInvalidOpcode   = &decodeError{"invalid opcode"}
	ErrMissingNullTerm = &decodeError{"missing null terminator"}
	ErrEmptyFilename   = &decodeError{"empty filename"}
	ErrTrailingBytes   = &decodeError{"trailing bytes after terminator"}
	ErrInvalidMode     = &decodeError{"invalid transfer mode"}
	ErrBadErrorCode    = &decodeError{"error code outside catalog"}
)

type decodeError struct {
	msg string
}

func (e *decodeError) Error() string { return e.msg }

func (e *decodeError) Is(target error) bool { return target == ErrMalformedPacket }

// Packet is one of *ReadRequest, *WriteRequest, *Data, *Ack or *Error.
type Packet interface {
	Opcode() Opcode
	ToBytes() []byte
	packet()
}

type ReadRequest struct {
	Filename string
	Mode     string
}

type WriteRequest struct {
	Filename string
	Mode     string
}

type Data struct {
	Block   uint16
	Payload []byte
}

type Ack struct {
	Block uint16
}

type Error struct {
	Code    ErrorCode
	Message string
}

func (*ReadRequest) Opcode() Opcode  { return RRQ }
func (*WriteRequest) Opcode() Opcode { return WRQ }
func (*Data) Opcode() Opcode         { return DATA }
func (*Ack) Opcode() Opcode          { return ACK }
func (*Error) Opcode() Opcode        { return ERROR }

func (*ReadRequest) packet()  {}
func (*WriteRequest) packet() {}
func (*Data) packet()         {}
func (*Ack) packet()          {}
func (*Error) packet()        {}

// IsLast reports whether d terminates its transfer.
func (d *Data) IsLast() bool {
	return len(d.Payload) < BlockSize
}

// NewError builds an ERROR packet, using the default catalog message when
// msg is empty.
func NewError(code ErrorCode, msg string) *Error {
	if msg == "" {
		msg = code.Message()
	}
	return &Error{Code: code, Message: msg}
}

func (rq *ReadRequest) ToBytes() []byte {
	return packRequest(RRQ, rq.Filename, rq.Mode)
}

func (wq *WriteRequest) ToBytes() []byte {
	return packRequest(WRQ, wq.Filename, wq.Mode)
}

func (d *Data) ToBytes() []byte {
	arr := make([]byte, HeaderSize+len(d.Payload))
	binary.BigEndian.PutUint16(arr[0:2], uint16(DATA))
	binary.BigEndian.PutUint16(arr[2:4], d.Block)
	copy(arr[HeaderSize:], d.Payload)
	return arr
}

func (a *Ack) ToBytes() []byte {
	arr := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(arr[0:2], uint16(ACK))
	binary.BigEndian.PutUint16(arr[2:4], a.Block)
	return arr
}

func (e *Error) ToBytes() []byte {
	arr := make([]byte, HeaderSize+len(e.Message)+1)
	binary.BigEndian.PutUint16(arr[0:2], uint16(ERROR))
	binary.BigEndian.PutUint16(arr[2:4], uint16(e.Code))
	copy(arr[HeaderSize:], e.Message)
	return arr
}

func packRequest(op Opcode, filename, mode string) []byte {
	arr := make([]byte, 2+len(filename)+1+len(mode)+1)
	binary.BigEndian.PutUint16(arr[0:2], uint16(op))
	copy(arr[2:], filename)
	copy(arr[2+len(filename)+1:], mode)
	return arr
}

// PacketFromBytes decodes one datagram. It never guesses: any structural
// violation is returned as an error matching ErrMalformedPacket.
func PacketFromBytes(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, ErrPacketTooShort
	}
	op := Opcode(binary.BigEndian.Uint16(b[0:2]))
	switch op {
	case RRQ:
		filename, mode, err := unpackRequest(b)
		if err != nil {
			return nil, errors.Wrap(err, "RRQ")
		}
		return &ReadRequest{Filename: filename, Mode: mode}, nil
	case WRQ:
		filename, mode, err := unpackRequest(b)
		if err != nil {
			return nil, errors.Wrap(err, "WRQ")
		}
		return &WriteRequest{Filename: filename, Mode: mode}, nil
	case DATA:
		if len(b) < HeaderSize {
			return nil, errors.Wrap(ErrPacketTooShort, "DATA")
		}
		if len(b) > MaxPacketSize {
			return nil, errors.Wrapf(ErrPacketTooLong, "DATA of %d bytes", len(b))
		}
		payload := make([]byte, len(b)-HeaderSize)
		copy(payload, b[HeaderSize:])
		return &Data{Block: binary.BigEndian.Uint16(b[2:4]), Payload: payload}, nil
	case ACK:
		if len(b) < HeaderSize {
			return nil, errors.Wrap(ErrPacketTooShort, "ACK")
		}
		if len(b) > HeaderSize {
			return nil, errors.Wrapf(ErrPacketTooLong, "ACK of %d bytes", len(b))
		}
		return &Ack{Block: binary.BigEndian.Uint16(b[2:4])}, nil
	case ERROR:
		return unpackError(b)
	default:
		return nil, errors.Wrapf(ErrInvalidOpcode, "opcode %d", uint16(op))
	}
}

func unpackRequest(b []byte) (filename, mode string, err error) {
	data := b[2:]
	nameEnd := bytes.IndexByte(data, 0)
	if nameEnd == -1 {
		return "", "", errors.Wrap(ErrMissingNullTerm, "filename")
	}
	if nameEnd == 0 {
		return "", "", ErrEmptyFilename
	}
	filename = string(data[:nameEnd])

	rest := data[nameEnd+1:]
	modeEnd := bytes.IndexByte(rest, 0)
	if modeEnd == -1 {
		return "", "", errors.Wrap(ErrMissingNullTerm, "mode")
	}
	if modeEnd != len(rest)-1 {
		return "", "", errors.Wrapf(ErrTrailingBytes, "%d bytes after mode", len(rest)-1-modeEnd)
	}
	mode = strings.ToLower(string(rest[:modeEnd]))
	if !IsValidMode(mode) {
		return "", "", errors.Wrapf(ErrInvalidMode, "%q", mode)
	}
	return filename, mode, nil
}

func unpackError(b []byte) (Packet, error) {
	if len(b) < HeaderSize+1 {
		return nil, errors.Wrap(ErrPacketTooShort, "ERROR")
	}
	code, err := LookupErrorCode(binary.BigEndian.Uint16(b[2:4]))
	if err != nil {
		return nil, errors.Wrap(ErrBadErrorCode, err.Error())
	}
	msg := b[HeaderSize:]
	end := bytes.IndexByte(msg, 0)
	if end == -1 {
		return nil, errors.Wrap(ErrMissingNullTerm, "ERROR message")
	}
	if end != len(msg)-1 {
		return nil, errors.Wrapf(ErrTrailingBytes, "%d bytes after message", len(msg)-1-end)
	}
	return &Error{Code: code, Message: string(msg[:end])}, nil
}

// IsValidMode reports whether mode (already lower-cased) names a TFTP
// transfer mode.
func IsValidMode(mode string) bool {
	switch mode {
	case ModeNetascii, ModeOctet, ModeMail:
		return true
	}
	return false
}
