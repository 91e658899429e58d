package common

import "fmt"

const (
	HeaderSize     int = 2 + 2
	BlockSize      int = 512
	MaxPacketSize  int = HeaderSize + BlockSize
	ReceiveBufSize int = 2 * MaxPacketSize
)

// MaxBlock is the highest block number a transfer may use. Transfers do not wrap.
const MaxBlock uint16 = 0xffff

const DefaultPort = 69

type Opcode uint16

const (
	RRQ   Opcode = 1
	WRQ   Opcode = 2
	DATA  Opcode = 3
	ACK   Opcode = 4
	ERROR Opcode = 5
)

func (op Opcode) String() string {
	switch op {
	case RRQ:
		return "RRQ"
	case WRQ:
		return "WRQ"
	case DATA:
		return "DATA"
	case ACK:
		return "ACK"
	case ERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(op))
	}
}

// Transfer modes
const (
	ModeNetascii = "netascii"
	ModeOctet    = "octet"
	ModeMail     = "mail"
)
