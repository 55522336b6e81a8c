package lower

import (
	"n16c/src/ast"
	"n16c/src/ir"
	"n16c/src/types"
)

// ----------------------------------
// ----- Array literal lowering -----
// ----------------------------------

// Array literals have a dual personality. Against an Array-typed target
// they are storage initializers: every element is written inline into the
// target's own bytes, nested literals recursing in place. Against a
// Pointer-typed target they are anonymous storage: a hidden unique local
// (or data entry, at toplevel) receives pointer-sized element values and
// the literal's value is that storage's address.

// compileArrayLiteral lowers a bare array-literal expression: hidden
// storage of the literal's natural array type, elements written inline,
// value is the storage address.
func (ctx *Context) compileArrayLiteral(e *ast.Expression, t *types.Type) *ir.Register {
	ctx.checkLiteral(e, t)
	v := ctx.hiddenStorage(t)
	addr := ctx.reg(types.PointerSize, false)
	ctx.emit(ir.NewLoadVar(v, addr, false))
	ctx.compileAsArr(e, addr, t)
	return addr
}

// compileAsArr writes the literal's elements inline at the address held in
// addr, laid out per the declared array type. The declared type is the
// broadcast length carrier: a declared inner length larger than an inner
// literal's element count reserves fill slots, which advance the write
// offset without emitting values (the storage is zero per the frame/data
// zero-out convention).
func (ctx *Context) compileAsArr(e *ast.Expression, addr *ir.Register, declared *types.Type) {
	elem := declared.To
	step := elem.ByteSize()
	for i, el := range e.Elements {
		off := int64(i * step)
		if el.Kind == ast.ExprArrayLiteral && elem.Kind == types.KindArray {
			// Inner arrays are written inline, not as pointers.
			inner := ctx.reg(types.PointerSize, false)
			ctx.emit(ir.NewBinary(addr, &ir.Immediate{Val: off, Sz: types.PointerSize}, ir.OpAdd, inner))
			ctx.compileAsArr(el, inner, elem)
			continue
		}
		val := ctx.Compile(el)
		val = ctx.resizeTo(val, elem.ValueSize(), elem.Kind == types.KindInt && elem.Signed)
		slot := ctx.reg(types.PointerSize, false)
		ctx.emit(ir.NewBinary(addr, &ir.Immediate{Val: off, Sz: types.PointerSize}, ir.OpAdd, slot))
		ctx.emit(ir.NewMov(&ir.Dereference{To: slot, Sz: val.Sz}, val))
	}
}

// compileAsRef lowers a literal against a Pointer-typed target: hidden
// storage holding pointer-sized element values, written sequentially; the
// returned register holds the storage address.
func (ctx *Context) compileAsRef(e *ast.Expression, target *types.Type) *ir.Register {
	for _, el := range e.Elements {
		et := ctx.exprType(el)
		if !et.ImplicitlyCastableTo(target.To) && !et.ImplicitlyCastableTo(types.NewInt(types.PointerSize, false)) {
			lowerPanic(errf(el.Pos, "element type %s is not compatible with pointee type %s", et, target.To))
		}
	}
	storage := types.NewArray(types.NewInt(types.PointerSize, false), len(e.Elements), true)
	v := ctx.hiddenStorage(storage)
	addr := ctx.reg(types.PointerSize, false)
	ctx.emit(ir.NewLoadVar(v, addr, false))
	for i, el := range e.Elements {
		val := ctx.Compile(el)
		val = ctx.resizeTo(val, types.PointerSize, false)
		slot := ctx.reg(types.PointerSize, false)
		ctx.emit(ir.NewBinary(addr, &ir.Immediate{Val: int64(i * types.PointerSize), Sz: types.PointerSize}, ir.OpAdd, slot))
		ctx.emit(ir.NewMov(&ir.Dereference{To: slot, Sz: types.PointerSize}, val))
	}
	return addr
}

// checkLiteral verifies e against the declared array type: the literal may
// not be longer than the declared length, and every element must be
// implicitly castable to the declared element type, recursing into nested
// literals.
func (ctx *Context) checkLiteral(e *ast.Expression, declared *types.Type) {
	if declared.Kind != types.KindArray {
		lowerPanic(errf(e.Pos, "array literal used where %s is expected", declared))
	}
	if declared.HasLength && len(e.Elements) > declared.Length {
		lowerPanic(errf(e.Pos, "array literal has %d elements but the declared length is %d", len(e.Elements), declared.Length))
	}
	for _, el := range e.Elements {
		if el.Kind == ast.ExprArrayLiteral && declared.To.Kind == types.KindArray {
			ctx.checkLiteral(el, declared.To)
			continue
		}
		et := ctx.exprType(el)
		if !et.ImplicitlyCastableTo(declared.To) {
			lowerPanic(errf(el.Pos, "element type %s is not compatible with declared element type %s", et, declared.To))
		}
	}
}

// hiddenStorage reserves backing storage for an anonymous array literal: a
// uniquely named local in the current frame, or a zeroed data entry when
// lowering a toplevel object.
func (ctx *Context) hiddenStorage(t *types.Type) *ast.Variable {
	name := ctx.Compiler.UniqueName("arr-lit")
	if ctx.Scope.FrameTop() != nil {
		return ctx.Scope.DeclareLocal(name, t)
	}
	v := ctx.Compiler.AddBytes(name, make([]byte, t.ByteSize()))
	v.Type = t
	v.LvalueIsRvalue = true
	return v
}
