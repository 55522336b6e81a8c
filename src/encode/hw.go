// Package encode converts desugared, register-allocated IR into the
// fixed-shape hardware instructions the assembler packs into the image.
package encode

import (
	"fmt"
	"strings"

	"n16c/src/ir"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Group is the hardware opcode group; each opcode fits in 4 bits within
// its group.
type Group uint8

const (
	GroupBinary Group = iota
	GroupUnary
	GroupManip
	GroupMem
	GroupIO
)

var groupNames = [...]string{"binary", "unary", "manip", "mem", "io"}

func (g Group) String() string { return groupNames[g] }

// Manip group opcodes.
const (
	ManipMov = iota
	ManipTst
	ManipSet
	ManipJmp
	ManipSxi
	ManipSxu
	ManipHalt
)

// Mem group opcodes.
const (
	MemPush = iota
	MemPop
	MemCall
	MemRet
	MemStks
)

// IO group opcodes.
const (
	IOOut = iota
	IOIn
)

// Instruction is one fixed-shape hardware instruction: an opcode within a
// group, an access size, and up to three operands. An Instruction with a
// non-empty Label is a zero-byte position marker recording where a jump
// target landed; it emits nothing.
type Instruction struct {
	Group Group
	Op    uint8
	Sz    int // access size in bytes: 1, 2, 4 or 8.
	Args  []ir.Param

	Label string
}

// ---------------------
// ----- Constants -----
// ---------------------

// opNames maps (group, opcode) to the mnemonic used by dumps and by inline
// machine-instruction blocks. The reverse mapping drives MachineInstr
// opcode parsing.
var opNames = map[Group][]string{
	GroupBinary: {"add", "sub", "mul", "udiv", "idiv", "umod", "imod", "shl", "shr", "sar", "and", "or", "xor"},
	GroupUnary:  {"binv", "linv", "neg", "pos"},
	GroupManip:  {"mov", "tst", "set", "jmp", "sxi", "sxu", "halt"},
	GroupMem:    {"push", "pop", "call", "ret", "stks"},
	GroupIO:     {"out", "in"},
}

// ---------------------
// ----- Functions -----
// ---------------------

// ParseOpcode resolves an inline machine-instruction mnemonic to its group
// and opcode.
func ParseOpcode(name string) (Group, uint8, error) {
	for g := GroupBinary; g <= GroupIO; g++ {
		for op, n := range opNames[g] {
			if n == name {
				return g, uint8(op), nil
			}
		}
	}
	return 0, 0, fmt.Errorf("unknown machine instruction %q", name)
}

// Mnemonic returns the dump name of in's opcode.
func (in *Instruction) Mnemonic() string {
	names := opNames[in.Group]
	if int(in.Op) < len(names) {
		return names[in.Op]
	}
	return fmt.Sprintf("%s.%d", in.Group, in.Op)
}

// String renders the instruction for -dump-hw output.
func (in *Instruction) String() string {
	if in.Label != "" {
		return in.Label + ":"
	}
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("%s.%d", in.Mnemonic(), in.Sz))
	for i, a := range in.Args {
		if i > 0 {
			sb.WriteRune(',')
		}
		sb.WriteRune(' ')
		sb.WriteString(a.String())
	}
	return sb.String()
}

// ByteSize returns the packed size of the instruction: one 16-bit opcode
// word plus one 16-bit word per operand. Label markers occupy nothing.
func (in *Instruction) ByteSize() int {
	if in.Label != "" {
		return 0
	}
	return 2 + 2*len(in.Args)
}
