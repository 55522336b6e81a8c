package encode

import (
	"encoding/binary"
	"fmt"

	"n16c/src/ast"
	"n16c/src/compiler"
	"n16c/src/ir"
	"n16c/src/types"
)

// ---------------------
// ----- Constants -----
// ---------------------

// MaxImmediate is the largest value an operand word's 14-bit value field
// can carry; anything larger, or negative, is spilled to the data region.
const MaxImmediate = 1<<14 - 1

// ---------------------
// ----- Functions -----
// ---------------------

// Object converts one object's desugared, allocated IR into hardware
// instructions, expanding allocator pre-instructions in place. The returned
// stream still carries symbolic DataReference and label operands; the
// packager resolves them.
func Object(obj *ir.Object) ([]*Instruction, error) {
	out := make([]*Instruction, 0, len(obj.Code))
	for _, instr := range obj.Code {
		for _, pre := range instr.PreInstrs() {
			ins, err := one(pre)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", obj.Name, err)
			}
			out = append(out, ins...)
		}
		ins, err := one(instr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", obj.Name, err)
		}
		out = append(out, ins...)
	}
	return out, nil
}

// one lowers a single IR instruction per the encoder table.
func one(instr ir.Instruction) ([]*Instruction, error) {
	switch in := instr.(type) {
	case *ir.Mov:
		return []*Instruction{{Group: GroupManip, Op: ManipMov, Sz: in.To.Size(), Args: []ir.Param{in.To, in.From}}}, nil

	case *ir.Unary:
		return []*Instruction{{Group: GroupUnary, Op: uint8(in.Op), Sz: in.Arg.Size(), Args: []ir.Param{in.Arg, in.To}}}, nil

	case *ir.Binary:
		return []*Instruction{{Group: GroupBinary, Op: uint8(in.Op), Sz: in.Left.Size(), Args: []ir.Param{in.Left, in.Right, in.To}}}, nil

	case *ir.Compare:
		return []*Instruction{{Group: GroupManip, Op: ManipTst, Sz: in.Left.Size(), Args: []ir.Param{in.Left, in.Right}}}, nil

	case *ir.SetCmp:
		code := &ir.Immediate{Val: int64(in.Cmp), Sz: types.PointerSize}
		return []*Instruction{{Group: GroupManip, Op: ManipSet, Sz: in.Dest.Sz, Args: []ir.Param{code, in.Dest}}}, nil

	case *ir.Push:
		return []*Instruction{{Group: GroupMem, Op: MemPush, Sz: in.Arg.Size(), Args: []ir.Param{in.Arg}}}, nil

	case *ir.Pop:
		return []*Instruction{{Group: GroupMem, Op: MemPop, Sz: in.Arg.Size(), Args: []ir.Param{in.Arg}}}, nil

	case *ir.Return:
		out := []*Instruction{}
		if in.Arg != nil {
			out = append(out, &Instruction{Group: GroupManip, Op: ManipMov, Sz: in.Arg.Size(), Args: []ir.Param{ir.Ret(in.Arg.Size()), in.Arg}})
		}
		return append(out, &Instruction{Group: GroupMem, Op: MemRet, Sz: types.PointerSize}), nil

	case *ir.Call:
		out := []*Instruction{
			{Group: GroupManip, Op: ManipMov, Sz: types.PointerSize, Args: []ir.Param{ir.Conv(types.PointerSize), &ir.Immediate{Val: int64(in.ArgSize()), Sz: types.PointerSize}}},
			{Group: GroupMem, Op: MemCall, Sz: types.PointerSize, Args: []ir.Param{in.Target}},
		}
		if in.Result != nil {
			out = append(out, &Instruction{Group: GroupManip, Op: ManipMov, Sz: in.Result.Sz, Args: []ir.Param{in.Result, ir.Ret(in.Result.Sz)}})
		}
		return out, nil

	case *ir.Jump:
		cond := in.Condition
		sz := types.PointerSize
		if cond == nil {
			cond = &ir.Immediate{Val: 1, Sz: types.PointerSize}
		} else {
			sz = cond.Size()
		}
		target := &ir.DataReference{Name: in.Target.Name}
		return []*Instruction{{Group: GroupManip, Op: ManipJmp, Sz: sz, Args: []ir.Param{cond, target}}}, nil

	case *ir.JumpTarget:
		return []*Instruction{{Label: in.Name}}, nil

	case *ir.Resize:
		op := uint8(ManipSxu)
		if signedParam(in.From) {
			op = ManipSxi
		}
		width := &ir.Immediate{Val: int64(in.To.Sz), Sz: types.PointerSize}
		return []*Instruction{{Group: GroupManip, Op: op, Sz: in.From.Size(), Args: []ir.Param{in.From, width, in.To}}}, nil

	case *ir.MachineInstr:
		g, op, err := ParseOpcode(in.Name)
		if err != nil {
			return nil, err
		}
		return []*Instruction{{Group: g, Op: op, Sz: in.Sz, Args: in.Params}}, nil

	case *ir.Spill:
		return spillAccess(in.Slot, in.Phys, true), nil

	case *ir.Load:
		return spillAccess(in.Slot, in.Phys, false), nil

	default:
		return nil, fmt.Errorf("internal compiler error: no encoding for IR instruction %q", instr)
	}
}

func signedParam(p ir.Param) bool {
	switch v := p.(type) {
	case *ir.Register:
		return v.Signed
	case *ir.Immediate:
		return v.Signed
	}
	return false
}

// spillAccess expands an allocator spill or load. A global slot is
// addressed through its data entry directly. A stack slot's address is
// computed in the spilled register itself: for a store, the value is parked
// on the stack while the address computation borrows the register.
func spillAccess(slot *ast.Variable, phys int, store bool) []*Instruction {
	reg := ir.PhysRegister(phys, 8)
	ptr := ir.PhysRegister(phys, types.PointerSize)

	if slot.IsGlobal() {
		mem := &ir.Dereference{To: &ir.DataReference{Name: slot.GlobalOffset.Name}, Sz: 8}
		if store {
			return []*Instruction{{Group: GroupManip, Op: ManipMov, Sz: 8, Args: []ir.Param{mem, reg}}}
		}
		return []*Instruction{{Group: GroupManip, Op: ManipMov, Sz: 8, Args: []ir.Param{reg, mem}}}
	}

	off := *slot.StackOffset
	addrOp := ir.OpAdd
	if off < 0 {
		addrOp = ir.OpSub
		off = -off
	}
	addr := []*Instruction{
		{Group: GroupManip, Op: ManipMov, Sz: types.PointerSize, Args: []ir.Param{ptr, ir.Base(types.PointerSize)}},
		{Group: GroupBinary, Op: uint8(addrOp), Sz: types.PointerSize, Args: []ir.Param{ptr, &ir.Immediate{Val: int64(off), Sz: types.PointerSize}, ptr}},
	}

	if store {
		out := []*Instruction{{Group: GroupMem, Op: MemPush, Sz: 8, Args: []ir.Param{reg}}}
		out = append(out, addr...)
		return append(out, &Instruction{Group: GroupMem, Op: MemPop, Sz: 8, Args: []ir.Param{&ir.Dereference{To: ptr, Sz: 8}}})
	}
	return append(addr, &Instruction{Group: GroupManip, Op: ManipMov, Sz: 8, Args: []ir.Param{reg, &ir.Dereference{To: ptr, Sz: 8}}})
}

// ExpandImmediates moves every immediate operand that does not fit the
// 14-bit unsigned operand value field into the data region, replacing the
// operand with a dereference of the value's data address. Must run before
// packaging.
func ExpandImmediates(c *compiler.Compiler, instrs []*Instruction) {
	for _, in := range instrs {
		for i, a := range in.Args {
			imm, ok := a.(*ir.Immediate)
			if !ok || (imm.Val >= 0 && imm.Val <= MaxImmediate) {
				continue
			}
			name := c.UniqueName("imm")
			c.AddBytes(name, immediateBytes(imm))
			in.Args[i] = &ir.Dereference{To: &ir.DataReference{Name: name}, Sz: imm.Sz}
		}
	}
}

// immediateBytes renders an immediate's two's-complement little-endian
// byte image at its own width.
func immediateBytes(imm *ir.Immediate) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(imm.Val))
	return buf[:imm.Sz]
}
