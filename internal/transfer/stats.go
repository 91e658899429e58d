package transfer

import (
	"encoding/hex"
	"hash"

	"github.com/kelindar/bitmap"
	"golang.org/x/crypto/blake2b"
)

// Stats describes a finished or aborted transfer.
type Stats struct {
	Blocks      int
	Bytes       int64
	Retransmits int
	Duplicates  int
	Rejected    int
	// Retransmitted holds the block numbers of DATA or ACK packets that were
	// resent after a timeout.
	Retransmitted bitmap.Bitmap
	// Digest is the hex BLAKE2b-256 of the payload bytes carried on the wire.
	Digest string

	hash hash.Hash
}

func newStats() *Stats {
	// New256 only fails for oversized keys
	h, _ := blake2b.New256(nil)
	return &Stats{hash: h}
}

func (s *Stats) add(payload []byte) {
	s.Blocks++
	s.Bytes += int64(len(payload))
	s.hash.Write(payload)
}

func (s *Stats) retransmitted(block uint16) {
	s.Retransmits++
	s.Retransmitted.Set(uint32(block))
}

func (s *Stats) finish() {
	s.Digest = hex.EncodeToString(s.hash.Sum(nil))
}

// Digest returns the hex BLAKE2b-256 of data, comparable to Stats.Digest.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
