// Package desugar lowers high-level IR into primitive moves, arithmetic
// and stack manipulation, in two stages: variable access and calls before
// register allocation, stack-frame management after it.
package desugar

import (
	"fmt"

	"n16c/src/ast"
	"n16c/src/ir"
	"n16c/src/types"
)

// ---------------------
// ----- Functions -----
// ---------------------

// Pre expands LoadVar, SaveVar and Call argument passing into primitive
// operations. After it returns, no LoadVar or SaveVar remains in the
// object's code.
func Pre(obj *ir.Object) error {
	out := make([]ir.Instruction, 0, len(obj.Code))
	for _, instr := range obj.Code {
		switch in := instr.(type) {
		case *ir.LoadVar:
			if in.Lvalue && in.Variable.LvalueIsRvalue {
				return fmt.Errorf("internal compiler error: lvalue requested for %q, whose identifier already denotes an address", in.Variable.Name)
			}
			scratch := obj.NewRegister(types.PointerSize, false)
			out = varAddress(out, obj, in.Variable, scratch)
			if in.Variable.LvalueIsRvalue || in.Lvalue {
				out = append(out, ir.NewMov(in.To, scratch))
			} else {
				out = append(out, ir.NewMov(in.To, &ir.Dereference{To: scratch, Sz: in.To.Sz}))
			}

		case *ir.SaveVar:
			scratch := obj.NewRegister(types.PointerSize, false)
			out = varAddress(out, obj, in.Variable, scratch)
			out = append(out, ir.NewMov(&ir.Dereference{To: scratch, Sz: in.From.Size()}, in.From))

		case *ir.Call:
			// Variadic extras go first, right-to-left, so the declared
			// parameters keep static offsets below the return address.
			for i := len(in.Args) - 1; i >= in.Declared; i-- {
				out = append(out, ir.NewPush(in.Args[i]))
			}
			declared := in.Args
			if in.Declared < len(declared) {
				declared = declared[:in.Declared]
			}
			for _, a := range declared {
				out = append(out, ir.NewPush(a))
			}
			out = append(out, in)

		default:
			out = append(out, instr)
		}
	}
	obj.Code = out
	return nil
}

// varAddress emits the address computation for v into scratch: the base
// pointer plus the signed stack offset, or the global data address.
func varAddress(out []ir.Instruction, obj *ir.Object, v *ast.Variable, scratch *ir.Register) []ir.Instruction {
	if v.IsGlobal() {
		return append(out, ir.NewMov(scratch, &ir.DataReference{Name: v.GlobalOffset.Name}))
	}
	out = append(out, ir.NewMov(scratch, ir.Base(types.PointerSize)))
	off := *v.StackOffset
	if off == 0 {
		return out
	}
	op := ir.OpAdd
	if off < 0 {
		op = ir.OpSub
		off = -off
	}
	return append(out, ir.NewBinary(scratch, &ir.Immediate{Val: int64(off), Sz: types.PointerSize}, op, scratch))
}

// Post expands stack-frame management now that each scope's used-register
// set and spill-slot demand are known. After it returns, no Prelude or
// Epilog remains; Return instructions carry no value argument.
func Post(obj *ir.Object) error {
	out := make([]ir.Instruction, 0, len(obj.Code))
	for _, instr := range obj.Code {
		switch in := instr.(type) {
		case *ir.Prelude:
			// The frame-top scope reserves the whole contiguous frame —
			// nested-scope locals and spill slots included — so nothing
			// addressed relative to the base pointer ever sits above the
			// stack pointer. Nested scopes only save their registers.
			if in.Scope.IsFrame && in.Scope.FrameBytes() > 0 {
				out = append(out, ir.NewBinary(ir.Stk(8), &ir.Immediate{Val: int64(in.Scope.FrameBytes()), Sz: 8}, ir.OpAdd, ir.Stk(8)))
			}
			for _, phys := range in.Scope.UsedHWRegs {
				out = append(out, ir.NewPush(ir.PhysRegister(phys, 8)))
			}

		case *ir.Epilog:
			for i := len(in.Scope.UsedHWRegs) - 1; i >= 0; i-- {
				out = append(out, ir.NewPop(ir.PhysRegister(in.Scope.UsedHWRegs[i], 8)))
			}
			if in.Scope.IsFrame && in.Scope.FrameBytes() > 0 {
				out = append(out, ir.NewBinary(ir.Stk(8), &ir.Immediate{Val: int64(in.Scope.FrameBytes()), Sz: 8}, ir.OpSub, ir.Stk(8)))
			}

		case *ir.Return:
			// The return value must reach the return register before the
			// frame-top scope's saved registers are restored.
			if in.Arg != nil {
				out = append(out, ir.NewMov(ir.Ret(in.Arg.Size()), in.Arg))
				in.Arg = nil
			}
			if in.Scope != nil {
				for i := len(in.Scope.UsedHWRegs) - 1; i >= 0; i-- {
					out = append(out, ir.NewPop(ir.PhysRegister(in.Scope.UsedHWRegs[i], 8)))
				}
			}
			out = append(out, in)

		default:
			out = append(out, instr)
		}
	}
	obj.Code = out
	return nil
}
