package pack

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"n16c/src/encode"
	"n16c/src/ir"
)

// ---------------------
// ----- Constants -----
// ---------------------

// Operand word flag bits: the remaining 14 bits carry the value.
const (
	RegFlag   = 1 << 15
	DerefFlag = 1 << 14

	valueMask = 1<<14 - 1
)

// arity gives the operand count of every opcode, needed to walk an
// instruction stream without length prefixes.
var arity = map[encode.Group][]int{
	encode.GroupBinary: {3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3},
	encode.GroupUnary:  {2, 2, 2, 2},
	encode.GroupManip:  {2, 2, 2, 2, 3, 3, 0},
	encode.GroupMem:    {1, 1, 1, 0, 1},
	encode.GroupIO:     {2, 2},
}

// ---------------------
// ----- Functions -----
// ---------------------

// sizeField encodes an access size in bytes as the opcode word's 2-bit
// size field: 1/2/4/8 map to 0..3.
func sizeField(sz int) (uint16, error) {
	switch sz {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	case 8:
		return 3, nil
	}
	return 0, fmt.Errorf("internal compiler error: illegal access size %d", sz)
}

func sizeBytes(field uint16) int { return 1 << field }

// Words packs one instruction into its 16-bit words: the opcode word
// size[2]|group[3]|opcode[4] with the reserved bits clear, followed by one
// word per operand.
func Words(in *encode.Instruction) ([]uint16, error) {
	if in.Label != "" {
		return nil, nil
	}
	sf, err := sizeField(in.Sz)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, 0, 1+len(in.Args))
	out = append(out, sf<<14|uint16(in.Group)<<8|uint16(in.Op))
	for _, a := range in.Args {
		w, err := packParam(a, 0)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// packParam encodes one operand word. flags carries the deref bit when the
// operand came wrapped in a Dereference.
func packParam(p ir.Param, flags uint16) (uint16, error) {
	switch v := p.(type) {
	case *ir.Register:
		if v.Physical == nil {
			return 0, fmt.Errorf("internal compiler error: register %s has no physical assignment", v)
		}
		return flags | RegFlag | uint16(*v.Physical+ir.FreeRegOffset), nil
	case *ir.HardwareRegister:
		return flags | RegFlag | uint16(v.Code), nil
	case *ir.Dereference:
		if flags&DerefFlag != 0 {
			return 0, fmt.Errorf("internal compiler error: nested dereference operand")
		}
		return packParam(v.To, DerefFlag)
	case *ir.Immediate:
		if v.Val < 0 || v.Val > valueMask {
			return 0, fmt.Errorf("internal compiler error: immediate %d does not fit the operand value field", v.Val)
		}
		return flags | uint16(v.Val), nil
	case *ir.MemoryLocation:
		if v.Offset < 0 || v.Offset > valueMask {
			return 0, fmt.Errorf("image offset %d does not fit the operand value field", v.Offset)
		}
		return flags | uint16(v.Offset), nil
	case *ir.DataReference:
		return 0, fmt.Errorf("internal compiler error: unresolved data reference %q", v.Name)
	}
	return 0, fmt.Errorf("internal compiler error: operand %v cannot be packed", p)
}

// Assemble serializes an instruction stream to its little-endian byte
// image.
func Assemble(instrs []*encode.Instruction) ([]byte, error) {
	buf := bytes.Buffer{}
	for _, in := range instrs {
		words, err := Words(in)
		if err != nil {
			return nil, err
		}
		for _, w := range words {
			if err := binary.Write(&buf, binary.LittleEndian, w); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// Disassemble reconstructs an instruction stream from packed words.
// Operand identity survives modulo aliasing: a plain value word decodes as
// an Immediate whether it was packed from an Immediate or a resolved
// MemoryLocation, and register words decode by packed index.
func Disassemble(words []uint16) ([]*encode.Instruction, error) {
	var out []*encode.Instruction
	for i := 0; i < len(words); {
		w := words[i]
		i++
		in := &encode.Instruction{
			Group: encode.Group(w >> 8 & 0x7),
			Op:    uint8(w & 0xf),
			Sz:    sizeBytes(w >> 14),
		}
		counts, ok := arity[in.Group]
		if !ok || int(in.Op) >= len(counts) {
			return nil, fmt.Errorf("cannot disassemble opcode word %#04x", w)
		}
		n := counts[in.Op]
		if i+n > len(words) {
			return nil, fmt.Errorf("truncated instruction at word %d", i-1)
		}
		for j := 0; j < n; j++ {
			in.Args = append(in.Args, unpackParam(words[i+j], in.Sz))
		}
		i += n
		out = append(out, in)
	}
	return out, nil
}

func unpackParam(w uint16, sz int) ir.Param {
	val := int(w & valueMask)
	var p ir.Param
	if w&RegFlag != 0 {
		if val >= ir.FreeRegOffset {
			p = ir.PhysRegister(val-ir.FreeRegOffset, sz)
		} else {
			p = &ir.HardwareRegister{Code: val, Sz: sz}
		}
	} else {
		p = &ir.Immediate{Val: int64(val), Sz: sz}
	}
	if w&DerefFlag != 0 {
		p = &ir.Dereference{To: p, Sz: sz}
	}
	return p
}
