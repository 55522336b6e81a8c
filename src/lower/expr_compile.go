package lower

import (
	"n16c/src/ast"
	"n16c/src/ir"
	"n16c/src/types"
	"n16c/src/util"
)

// ------------------------------------
// ----- compile: rvalue lowering -----
// ------------------------------------

// Compile emits IR that leaves e's value in a fresh virtual register and
// returns that register.
func (ctx *Context) Compile(e *ast.Expression) *ir.Register {
	switch e.Kind {
	case ast.ExprIdentifier:
		v := ctx.resolve(e.Name)
		r := ctx.reg(v.Type.ValueSize(), v.Type.Kind == types.KindInt && v.Type.Signed)
		ctx.emit(ir.NewLoadVar(v, r, false))
		return r

	case ast.ExprIntLiteral:
		t := ctx.exprType(e)
		r := ctx.reg(t.Size, t.Signed)
		ctx.emit(ir.NewMov(r, &ir.Immediate{Val: e.IntValue, Sz: t.Size, Signed: t.Signed}))
		return r

	case ast.ExprArrayLiteral:
		return ctx.compileArrayLiteral(e, ctx.exprType(e))

	case ast.ExprUnary:
		t := ctx.exprType(e)
		arg := ctx.Compile(e.Operand)
		if e.UnaryOp == ast.UnaryPos && !t.Signed {
			return arg
		}
		to := ctx.reg(t.Size, t.Signed)
		ctx.emit(ir.NewUnary(arg, e.UnaryOp, to))
		return to

	case ast.ExprPreIncrement, ast.ExprPostIncrement:
		return ctx.compileIncrement(e)

	case ast.ExprDereference:
		ptr := ctx.Compile(e.Operand)
		t := ctx.exprType(e)
		to := ctx.reg(t.ValueSize(), t.Kind == types.KindInt && t.Signed)
		ctx.emit(ir.NewMov(to, &ir.Dereference{To: ptr, Sz: to.Sz}))
		return to

	case ast.ExprIndex:
		return ctx.compileIndex(e)

	case ast.ExprCast:
		return ctx.compileCast(e)

	case ast.ExprCall:
		return ctx.compileCall(e)

	case ast.ExprBinary:
		return ctx.compileBinary(e)

	case ast.ExprLogical:
		return ctx.compileLogical(e)

	case ast.ExprAssign:
		return ctx.compileAssign(e)
	}
	lowerPanic(errf(e.Pos, "internal: unhandled expression kind %d in compile", e.Kind))
	return nil
}

// ------------------------------------------
// ----- load_lvalue: address lowering -----
// ------------------------------------------

// LoadLvalue emits IR that leaves the address of e in a fresh register.
// Defined only for identifier, dereference, array index, cast (pass
// through) and preincrement; anything else is a "no lvalue" TypeError.
func (ctx *Context) LoadLvalue(e *ast.Expression) *ir.Register {
	switch e.Kind {
	case ast.ExprIdentifier:
		v := ctx.resolve(e.Name)
		if v.LvalueIsRvalue {
			r := ctx.reg(types.PointerSize, false)
			ctx.emit(ir.NewLoadVar(v, r, false))
			return r
		}
		r := ctx.reg(types.PointerSize, false)
		ctx.emit(ir.NewLoadVar(v, r, true))
		return r

	case ast.ExprDereference:
		ptr := ctx.Compile(e.Operand)
		return ctx.resizeTo(ptr, types.PointerSize, false)

	case ast.ExprIndex:
		return ctx.indexAddress(e)

	case ast.ExprCast:
		return ctx.LoadLvalue(e.Operand)

	case ast.ExprPreIncrement:
		ctx.compileIncrement(e)
		return ctx.LoadLvalue(e.Operand)
	}
	lowerPanic(errf(e.Pos, "expression holds no lvalue information"))
	return nil
}

// ---------------------------
// ----- Pointer/Index ops -----
// ---------------------------

// indexAddress computes the address of operand[index]: the base pointer of
// operand (its lvalue if operand is Array-of-Array, otherwise its rvalue),
// the index resized to pointer width and multiplied by the element size,
// then added to the base.
func (ctx *Context) indexAddress(e *ast.Expression) *ir.Register {
	opType := ctx.exprType(e.Operand)
	elemType := opType.Elem()

	var base *ir.Register
	if opType.Kind == types.KindArray && elemType.Kind == types.KindArray {
		base = ctx.LoadLvalue(e.Operand)
	} else {
		base = ctx.Compile(e.Operand)
	}

	idx := ctx.Compile(e.Index)
	idx = ctx.resizeTo(idx, types.PointerSize, false)

	offset := ctx.reg(types.PointerSize, false)
	ctx.emit(ir.NewBinary(idx, &ir.Immediate{Val: int64(elemType.ByteSize()), Sz: types.PointerSize}, ir.OpMul, offset))

	addr := ctx.reg(types.PointerSize, false)
	ctx.emit(ir.NewBinary(base, offset, ir.OpAdd, addr))
	return addr
}

func (ctx *Context) compileIndex(e *ast.Expression) *ir.Register {
	addr := ctx.indexAddress(e)
	t := ctx.exprType(e)
	if t.Kind == types.KindArray {
		return addr
	}
	to := ctx.reg(t.ValueSize(), t.Kind == types.KindInt && t.Signed)
	ctx.emit(ir.NewMov(to, &ir.Dereference{To: addr, Sz: to.Sz}))
	return to
}

// -------------------
// ----- Cast ops -----
// -------------------

func (ctx *Context) compileCast(e *ast.Expression) *ir.Register {
	switch e.CastKind {
	case ast.CastResize:
		from := ctx.Compile(e.Operand)
		if from.Sz == e.CastTo.ValueSize() {
			return from
		}
		to := ctx.reg(e.CastTo.ValueSize(), e.CastTo.Kind == types.KindInt && e.CastTo.Signed)
		ctx.emit(ir.NewResize(from, to))
		return to
	case ast.CastBitcast:
		from := ctx.Compile(e.Operand)
		cp := from.Clone()
		cp.Sz = e.CastTo.ValueSize()
		if e.CastTo.Kind == types.KindInt {
			cp.Signed = e.CastTo.Signed
		}
		return cp
	}
	lowerPanic(errf(e.Pos, "internal: unknown cast kind"))
	return nil
}

// resizeTo emits a Resize if r's width differs from size, else returns r
// unchanged.
func (ctx *Context) resizeTo(r *ir.Register, size int, signed bool) *ir.Register {
	if r.Sz == size {
		return r
	}
	to := ctx.reg(size, signed)
	ctx.emit(ir.NewResize(r, to))
	return to
}

// --------------------------------------
// ----- Increment / decrement ops -----
// --------------------------------------

func (ctx *Context) compileIncrement(e *ast.Expression) *ir.Register {
	t := ctx.exprType(e.Operand)
	step := int64(1)
	if t.IsPointerLike() {
		step = int64(t.Elem().ByteSize())
	}

	addr := ctx.LoadLvalue(e.Operand)
	old := ctx.reg(t.ValueSize(), t.Kind == types.KindInt && t.Signed)
	ctx.emit(ir.NewMov(old, &ir.Dereference{To: addr, Sz: old.Sz}))

	newVal := ctx.reg(old.Sz, old.Signed)
	op := ir.OpAdd
	if e.UnaryOp == ast.UnaryNeg {
		op = ir.OpSub
	}
	ctx.emit(ir.NewBinary(old, &ir.Immediate{Val: step, Sz: old.Sz}, op, newVal))
	ctx.emit(ir.NewMov(&ir.Dereference{To: addr, Sz: old.Sz}, newVal))

	if e.Kind == ast.ExprPreIncrement {
		return newVal
	}
	return old
}

// --------------------
// ----- Call ops -----
// --------------------

func (ctx *Context) compileCall(e *ast.Expression) *ir.Register {
	// Type-checking the call itself rejects non-function callees and a
	// wrong argument count before any code is emitted.
	ctx.exprType(e)
	fnType := ctx.exprType(e.Callee)
	callType := fnType
	if callType.Kind == types.KindPointer {
		callType = callType.Elem()
	}

	args := make([]ir.Param, 0, len(e.Args))
	for i, a := range e.Args {
		at := ctx.exprType(a)
		r := ctx.Compile(a)
		if i < len(callType.Args) {
			want := callType.Args[i]
			if !at.ImplicitlyCastableTo(want) {
				lowerPanic(errf(a.Pos, "argument %d: cannot use %s where %s is expected", i+1, at, want))
			}
			r = ctx.resizeTo(r, want.ValueSize(), want.Kind == types.KindInt && want.Signed)
		} else {
			// Variadic extras travel at pointer width so the callee can
			// walk them through its var_args pointer.
			r = ctx.resizeTo(r, types.PointerSize, r.Signed)
		}
		args = append(args, r)
	}

	target := ctx.Compile(e.Callee)

	var result *ir.Register
	if callType.Returns.Kind != types.KindVoid {
		result = ctx.reg(callType.Returns.ValueSize(), callType.Returns.Kind == types.KindInt && callType.Returns.Signed)
	}
	call := ir.NewCall(args, target, result)
	call.Declared = len(callType.Args)
	ctx.emit(call)
	return result
}

// -----------------------
// ----- Binary ops -----
// -----------------------

func (ctx *Context) compileBinary(e *ast.Expression) *ir.Register {
	switch e.BinOp {
	case ast.BinEq, ast.BinNeq, ast.BinLt, ast.BinLeq, ast.BinGt, ast.BinGeq:
		return ctx.compileRelational(e)
	default:
		return ctx.compileArithmetic(e)
	}
}

func (ctx *Context) compileArithmetic(e *ast.Expression) *ir.Register {
	lt := ctx.exprType(e.Left)
	rt := ctx.exprType(e.Right)

	l := ctx.Compile(e.Left)
	r := ctx.Compile(e.Right)

	// Pointer arithmetic: multiply the non-pointer side by the pointee size.
	if (e.BinOp == ast.BinAdd || e.BinOp == ast.BinSub) && lt.IsPointerLike() && rt.IsInt() {
		r = ctx.resizeTo(r, types.PointerSize, false)
		scaled := ctx.reg(types.PointerSize, false)
		ctx.emit(ir.NewBinary(r, &ir.Immediate{Val: int64(lt.Elem().ByteSize()), Sz: types.PointerSize}, ir.OpMul, scaled))
		r = scaled
	} else if e.BinOp == ast.BinAdd && rt.IsPointerLike() && lt.IsInt() {
		l = ctx.resizeTo(l, types.PointerSize, false)
		scaled := ctx.reg(types.PointerSize, false)
		ctx.emit(ir.NewBinary(l, &ir.Immediate{Val: int64(rt.Elem().ByteSize()), Sz: types.PointerSize}, ir.OpMul, scaled))
		l = scaled
	} else {
		width := l.Sz
		signed := l.Signed
		if r.Sz > width {
			width = r.Sz
			signed = r.Signed
		}
		l = ctx.resizeTo(l, width, signed)
		r = ctx.resizeTo(r, width, signed)
	}

	op := arithOp(e.BinOp, l.Signed)
	t := ctx.exprType(e)
	to := ctx.reg(t.ValueSize(), t.Kind == types.KindInt && t.Signed)
	ctx.emit(ir.NewBinary(l, r, op, to))
	return to
}

func arithOp(b ast.BinaryOp, signed bool) ir.BinaryOp {
	switch b {
	case ast.BinAdd:
		return ir.OpAdd
	case ast.BinSub:
		return ir.OpSub
	case ast.BinMul:
		return ir.OpMul
	case ast.BinUDiv, ast.BinIDiv:
		if signed {
			return ir.OpIDiv
		}
		return ir.OpUDiv
	case ast.BinUMod, ast.BinIMod:
		if signed {
			return ir.OpIMod
		}
		return ir.OpUMod
	case ast.BinShl:
		return ir.OpShl
	case ast.BinShr:
		if signed {
			return ir.OpSar
		}
		return ir.OpShr
	case ast.BinAnd:
		return ir.OpAnd
	case ast.BinOr:
		return ir.OpOr
	case ast.BinXor:
		return ir.OpXor
	}
	panic("internal: unmapped binary op")
}

func (ctx *Context) compileRelational(e *ast.Expression) *ir.Register {
	l := ctx.Compile(e.Left)
	r := ctx.Compile(e.Right)
	width := l.Sz
	if r.Sz > width {
		width = r.Sz
	}
	l = ctx.resizeTo(l, width, l.Signed)
	r = ctx.resizeTo(r, width, r.Signed)

	ctx.emit(ir.NewCompare(l, r))

	dest := ctx.reg(1, false)
	ctx.emit(ir.NewSetCmp(dest, relOp(e.BinOp, l.Signed)))
	return dest
}

func relOp(b ast.BinaryOp, signed bool) ir.CompareOp {
	switch b {
	case ast.BinEq:
		return ir.CmpEq
	case ast.BinNeq:
		return ir.CmpNeq
	case ast.BinLt:
		if signed {
			return ir.CmpLtS
		}
		return ir.CmpLt
	case ast.BinLeq:
		if signed {
			return ir.CmpLeqS
		}
		return ir.CmpLeq
	case ast.BinGt:
		if signed {
			return ir.CmpGtS
		}
		return ir.CmpGt
	case ast.BinGeq:
		if signed {
			return ir.CmpGeqS
		}
		return ir.CmpGeq
	}
	panic("internal: unmapped relational op")
}

// ----------------------------------
// ----- Short-circuit and/or -----
// ----------------------------------

func (ctx *Context) compileLogical(e *ast.Expression) *ir.Register {
	lhs := ctx.Compile(e.Left)

	ctx.emit(ir.NewCompare(lhs, &ir.Immediate{Val: 0, Sz: lhs.Sz}))
	cond := ctx.reg(1, false)
	cmpOp := ir.CmpEq
	if e.LogOp == ast.LogicalOr {
		cmpOp = ir.CmpNeq
	}
	ctx.emit(ir.NewSetCmp(cond, cmpOp))

	end := ir.NewJumpTarget(util.NewLabel(util.LabelLogicEnd))
	ctx.emit(ir.NewJump(end, cond))

	rhs := ctx.Compile(e.Right)
	rhs = ctx.resizeTo(rhs, lhs.Sz, lhs.Signed)
	ctx.emit(ir.NewMov(lhs, rhs))

	ctx.emit(end)
	return lhs
}

// --------------------
// ----- Assignment -----
// --------------------

func (ctx *Context) compileAssign(e *ast.Expression) *ir.Register {
	rhs := ctx.Compile(e.Value)

	if idExpr := e.Target; idExpr.Kind == ast.ExprIdentifier {
		v := ctx.resolve(idExpr.Name)
		if v.Type.Const {
			lowerPanic(errf(e.Pos, "cannot assign to const variable %q", v.Name))
		}
	}

	lhsType := ctx.exprType(e.Target)
	rhs = ctx.resizeTo(rhs, lhsType.ValueSize(), lhsType.Kind == types.KindInt && lhsType.Signed)

	addr := ctx.LoadLvalue(e.Target)
	ctx.emit(ir.NewMov(&ir.Dereference{To: addr, Sz: rhs.Sz}, rhs))
	return rhs
}
