package common

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestPacketFromBytes(t *testing.T) {
	raw := []byte{0, 3, 0, 1, 1, 0, 1}

	want := &Data{
		Block:   1,
		Payload: []byte{1, 0, 1},
	}

	pck, err := PacketFromBytes(raw)
	if err != nil {
		t.Fatalf("PacketFromBytes failed: %v", err)
	}

	if diff := cmp.Diff(Packet(want), pck); diff != "" {
		t.Errorf("decoded packet mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	packets := []Packet{
		&ReadRequest{Filename: "test.txt", Mode: ModeOctet},
		&ReadRequest{Filename: "a", Mode: ModeNetascii},
		&WriteRequest{Filename: "dir/file.bin", Mode: ModeOctet},
		&WriteRequest{Filename: "mailbox", Mode: ModeMail},
		&Ack{Block: 0},
		&Ack{Block: 1},
		&Ack{Block: MaxBlock},
		&Error{Code: FileNotFound, Message: "File not found"},
		&Error{Code: Undefined, Message: ""},
		&Error{Code: NoSuchUser, Message: "custom text"},
	}
	for _, n := range []int{0, 1, 511, 512} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i % 251)
		}
		packets = append(packets, &Data{Block: uint16(n + 1), Payload: payload})
	}

	for _, want := range packets {
		got, err := PacketFromBytes(want.ToBytes())
		if err != nil {
			t.Errorf("%v: decode failed: %v", want.Opcode(), err)
			continue
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%v round trip mismatch (-want +got):\n%s", want.Opcode(), diff)
		}
	}
}

func TestRRQ_ExactBytes(t *testing.T) {
	expected := []byte{
		0x00, 0x01,
		'f', 'i', 'l', 'e',
		0x00,
		'n', 'e', 't', 'a', 's', 'c', 'i', 'i',
		0x00,
	}

	rrq := &ReadRequest{Filename: "file", Mode: "netascii"}
	if got := rrq.ToBytes(); !bytes.Equal(got, expected) {
		t.Fatalf("got % x, expected % x", got, expected)
	}
}

func TestERROR_ExactBytes(t *testing.T) {
	expected := []byte{0x00, 0x05, 0x00, 0x05, 'b', 'a', 'd', 0x00}

	got := NewError(UnknownTransferID, "bad").ToBytes()
	if !bytes.Equal(got, expected) {
		t.Fatalf("got % x, expected % x", got, expected)
	}
}

func TestModeIsCaseInsensitive(t *testing.T) {
	packet := []byte{0, 2, 'f', 0, 'O', 'c', 'T', 'e', 'T', 0}

	pck, err := PacketFromBytes(packet)
	if err != nil {
		t.Fatalf("PacketFromBytes failed: %v", err)
	}
	wrq, ok := pck.(*WriteRequest)
	if !ok {
		t.Fatalf("expected *WriteRequest, got %T", pck)
	}
	if wrq.Mode != ModeOctet {
		t.Errorf("expected mode %q, got %q", ModeOctet, wrq.Mode)
	}
}

func TestRejection(t *testing.T) {
	full := append([]byte{0, 3, 0, 1}, make([]byte, BlockSize)...)

	tests := []struct {
		name   string
		packet []byte
		want   error
	}{
		{"empty", []byte{}, ErrPacketTooShort},
		{"one byte", []byte{0}, ErrPacketTooShort},
		{"opcode 0", []byte{0, 0, 0, 1}, ErrInvalidOpcode},
		{"opcode 6", []byte{0, 6, 0, 1}, ErrInvalidOpcode},
		{"opcode 256", []byte{1, 0, 0, 1}, ErrInvalidOpcode},
		{"ack short", []byte{0, 4, 0}, ErrPacketTooShort},
		{"ack long", []byte{0, 4, 0, 1, 0}, ErrPacketTooLong},
		{"data short", []byte{0, 3, 0}, ErrPacketTooShort},
		{"data long", append(full, 0), ErrPacketTooLong},
		{"rrq no filename terminator", []byte{0, 1, 'f', 'i', 'l', 'e'}, ErrMissingNullTerm},
		{"rrq no mode terminator", []byte{0, 1, 'f', 0, 'o', 'c', 't', 'e', 't'}, ErrMissingNullTerm},
		{"rrq no mode", []byte{0, 1, 'f', 0}, ErrMissingNullTerm},
		{"rrq empty filename", []byte{0, 1, 0, 'o', 'c', 't', 'e', 't', 0}, ErrEmptyFilename},
		{"wrq trailing garbage", []byte{0, 2, 'f', 0, 'o', 'c', 't', 'e', 't', 0, 'x'}, ErrTrailingBytes},
		{"wrq unknown mode", []byte{0, 2, 'f', 0, 'b', 'i', 'n', 0}, ErrInvalidMode},
		{"error short", []byte{0, 5, 0, 1}, ErrPacketTooShort},
		{"error no terminator", []byte{0, 5, 0, 1, 'x'}, ErrMissingNullTerm},
		{"error trailing", []byte{0, 5, 0, 1, 'x', 0, 'y'}, ErrTrailingBytes},
		{"error unknown code", []byte{0, 5, 0, 9, 'x', 0}, ErrBadErrorCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pck, err := PacketFromBytes(tt.packet)
			if err == nil {
				t.Fatalf("expected error, got packet %#v", pck)
			}
			if pck != nil {
				t.Errorf("expected no packet alongside error, got %#v", pck)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrMalformedPacket) {
				t.Errorf("expected error to match ErrMalformedPacket, got %v", err)
			}
		})
	}
}

func TestLastBlock(t *testing.T) {
	for n := 0; n <= BlockSize; n++ {
		d := &Data{Block: 1, Payload: make([]byte, n)}
		if got, want := d.IsLast(), n < BlockSize; got != want {
			t.Fatalf("payload %d: IsLast() = %v, want %v", n, got, want)
		}
	}
}

func TestOpcodeString(t *testing.T) {
	if got := ACK.String(); got != "ACK" {
		t.Errorf("expected ACK, got %s", got)
	}
	if got := Opcode(9).String(); got != "UNKNOWN(9)" {
		t.Errorf("expected UNKNOWN(9), got %s", got)
	}
}
