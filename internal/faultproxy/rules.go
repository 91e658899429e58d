package faultproxy

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Pablu23/tftp/internal/common"
)

type Action int

const (
	None Action = iota
	Lose
	Delay
	Duplicate
	Corrupt
	WrongTID
)

var actionNames = map[Action]string{
	None:      "none",
	Lose:      "lose",
	Delay:     "delay",
	Duplicate: "duplicate",
	Corrupt:   "corrupt",
	WrongTID:  "wrongtid",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "action(" + strconv.Itoa(int(a)) + ")"
}

type Corruption int

const (
	// CorruptOpcode replaces the opcode with one outside 1..5.
	CorruptOpcode Corruption = iota
	// CorruptTerminator drops the final zero byte of a request or error.
	CorruptTerminator
	// Truncate cuts the packet below the minimal header.
	Truncate
	// Extend pads the packet beyond the largest legal size of its kind.
	Extend
	// CorruptBlock moves the block number ahead of the sequence.
	CorruptBlock
)

var corruptionNames = map[Corruption]string{
	CorruptOpcode:     "opcode",
	CorruptTerminator: "terminator",
	Truncate:          "truncate",
	Extend:            "extend",
	CorruptBlock:      "block",
}

func (c Corruption) String() string {
	if name, ok := corruptionNames[c]; ok {
		return name
	}
	return "corruption(" + strconv.Itoa(int(c)) + ")"
}

// Target selects the packet a rule acts on: a request (RRQ or WRQ), or
// DATA/ACK with a given block number, in either direction.
type Target struct {
	Op    common.Opcode
	Block uint16
}

func Request() Target         { return Target{Op: common.RRQ} }
func Data(block uint16) Target { return Target{Op: common.DATA, Block: block} }
func Ack(block uint16) Target  { return Target{Op: common.ACK, Block: block} }

func (t Target) String() string {
	switch t.Op {
	case common.RRQ, common.WRQ:
		return "request"
	case common.DATA:
		return "data:" + strconv.Itoa(int(t.Block))
	case common.ACK:
		return "ack:" + strconv.Itoa(int(t.Block))
	}
	return t.Op.String()
}

// Matches reports whether the raw datagram b is the packet t selects.
// Only the header is inspected so damaged packets still match.
func (t Target) Matches(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	op := common.Opcode(binary.BigEndian.Uint16(b))
	switch t.Op {
	case common.RRQ, common.WRQ:
		return op == common.RRQ || op == common.WRQ
	case common.DATA, common.ACK:
		return op == t.Op && len(b) >= common.HeaderSize && binary.BigEndian.Uint16(b[2:]) == t.Block
	}
	return false
}

// Rule applies Action to the first packet matching Target, once.
type Rule struct {
	Target     Target
	Action     Action
	Delay      time.Duration
	Corruption Corruption
}

func (r Rule) String() string {
	s := r.Action.String() + ":" + r.Target.String()
	switch r.Action {
	case Delay:
		s += ":" + r.Delay.String()
	case Corrupt:
		s += ":" + r.Corruption.String()
	}
	return s
}

// ParseRule reads rules written as action:target[:block][:argument], e.g.
// "lose:data:2", "delay:ack:3:3s", "corrupt:request:terminator" or
// "wrongtid:data:1".
func ParseRule(s string) (Rule, error) {
	parts := strings.Split(strings.ToLower(s), ":")
	if len(parts) < 2 {
		return Rule{}, errors.Errorf("rule %q: expected action:target", s)
	}

	var rule Rule
	found := false
	for action, name := range actionNames {
		if name == parts[0] && action != None {
			rule.Action = action
			found = true
		}
	}
	if !found {
		return Rule{}, errors.Errorf("rule %q: unknown action %q", s, parts[0])
	}

	rest := parts[2:]
	switch parts[1] {
	case "request", "rrq", "wrq":
		rule.Target = Request()
	case "data", "ack":
		if len(rest) == 0 {
			return Rule{}, errors.Errorf("rule %q: missing block number", s)
		}
		block, err := strconv.ParseUint(rest[0], 10, 16)
		if err != nil {
			return Rule{}, errors.Wrapf(err, "rule %q: block number", s)
		}
		rest = rest[1:]
		if parts[1] == "data" {
			rule.Target = Data(uint16(block))
		} else {
			rule.Target = Ack(uint16(block))
		}
	default:
		return Rule{}, errors.Errorf("rule %q: unknown target %q", s, parts[1])
	}

	switch rule.Action {
	case Delay:
		if len(rest) != 1 {
			return Rule{}, errors.Errorf("rule %q: delay needs a duration", s)
		}
		d, err := time.ParseDuration(rest[0])
		if err != nil {
			return Rule{}, errors.Wrapf(err, "rule %q: delay", s)
		}
		rule.Delay = d
	case Corrupt:
		if len(rest) != 1 {
			return Rule{}, errors.Errorf("rule %q: corrupt needs a kind", s)
		}
		found = false
		for kind, name := range corruptionNames {
			if name == rest[0] {
				rule.Corruption = kind
				found = true
			}
		}
		if !found {
			return Rule{}, errors.Errorf("rule %q: unknown corruption %q", s, rest[0])
		}
	default:
		if len(rest) != 0 {
			return Rule{}, errors.Errorf("rule %q: unexpected argument %q", s, rest[0])
		}
	}
	return rule, nil
}

// corrupt returns a damaged copy of b.
func corrupt(b []byte, kind Corruption) []byte {
	out := append([]byte(nil), b...)
	switch kind {
	case CorruptOpcode:
		if len(out) >= 2 {
			binary.BigEndian.PutUint16(out, 9)
		}
	case CorruptTerminator:
		if n := len(out); n > 0 && out[n-1] == 0 {
			out = out[:n-1]
		}
	case Truncate:
		if len(out) > 3 {
			out = out[:3]
		}
	case Extend:
		op := common.Opcode(0)
		if len(out) >= 2 {
			op = common.Opcode(binary.BigEndian.Uint16(out))
		}
		if op == common.ACK {
			out = append(out, 0)
			break
		}
		for len(out) <= common.MaxPacketSize {
			out = append(out, 'x')
		}
	case CorruptBlock:
		if len(out) >= common.HeaderSize {
			block := binary.BigEndian.Uint16(out[2:])
			binary.BigEndian.PutUint16(out[2:], block+100)
		}
	}
	return out
}
