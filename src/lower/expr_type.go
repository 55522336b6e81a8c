package lower

import (
	"n16c/src/ast"
	"n16c/src/types"
)

// exprType returns e's static type, memoized on ctx. TypeErrors raised
// while typechecking inner operands propagate via lowerPanic.
func (ctx *Context) exprType(e *ast.Expression) *types.Type {
	if t, ok := ctx.typeMemo[e]; ok {
		return t
	}
	t := ctx.computeType(e)
	ctx.typeMemo[e] = t
	return t
}

func (ctx *Context) computeType(e *ast.Expression) *types.Type {
	switch e.Kind {
	case ast.ExprIdentifier:
		return ctx.resolve(e.Name).Type

	case ast.ExprIntLiteral:
		if e.ExplicitType != nil {
			return e.ExplicitType
		}
		return smallestFittingInt(e.IntValue)

	case ast.ExprArrayLiteral:
		// A VariableDecl's declared type decides whether a literal
		// initializer is Array or Pointer-typed; those sites pass the
		// declared type to checkLiteral/compileAsArr/compileAsRef directly.
		// Here the literal takes its natural type: an array of its first
		// element's type, as long as its element count.
		if len(e.Elements) == 0 {
			lowerPanic(errf(e.Pos, "empty array literal has no inferrable type"))
		}
		inner := ctx.exprType(e.Elements[0])
		return types.NewArray(inner, len(e.Elements), true)

	case ast.ExprUnary:
		t := ctx.exprType(e.Operand)
		if !t.IsInt() {
			lowerPanic(errf(e.Pos, "unary operator requires an integer operand, got %s", t))
		}
		if e.UnaryOp == ast.UnaryNeg && !t.Signed {
			lowerPanic(errf(e.Pos, "cannot negate an unsigned value"))
		}
		return t

	case ast.ExprPreIncrement, ast.ExprPostIncrement:
		return ctx.exprType(e.Operand)

	case ast.ExprDereference:
		t := ctx.exprType(e.Operand)
		if !t.IsPointerLike() {
			lowerPanic(errf(e.Pos, "cannot dereference non-pointer type %s", t))
		}
		return t.Elem()

	case ast.ExprIndex:
		t := ctx.exprType(e.Operand)
		if !t.IsPointerLike() {
			lowerPanic(errf(e.Pos, "cannot index non-pointer type %s", t))
		}
		return t.Elem()

	case ast.ExprCast:
		return e.CastTo

	case ast.ExprCall:
		fnType := ctx.exprType(e.Callee)
		if fnType.Kind == types.KindPointer {
			fnType = fnType.Elem()
		}
		if fnType.Kind != types.KindFunction {
			lowerPanic(errf(e.Pos, "cannot call non-function type %s", fnType))
		}
		if len(e.Args) != len(fnType.Args) && !(fnType.Varargs && len(e.Args) >= len(fnType.Args)) {
			lowerPanic(errf(e.Pos, "wrong argument count calling function: got %d, want %d", len(e.Args), len(fnType.Args)))
		}
		return fnType.Returns

	case ast.ExprBinary:
		return ctx.binaryResultType(e)

	case ast.ExprLogical:
		return ctx.exprType(e.Left)

	case ast.ExprAssign:
		return ctx.exprType(e.Target)
	}
	lowerPanic(errf(e.Pos, "internal: unknown expression kind %d", e.Kind))
	return nil
}

// smallestFittingInt chooses the smallest integer type (unsigned unless the
// value is negative) that can represent val.
func smallestFittingInt(val int64) *types.Type {
	signed := val < 0
	abs := val
	if signed {
		abs = -val
	}
	for _, sz := range []int{1, 2, 4, 8} {
		bits := uint(sz * 8)
		if signed {
			bits--
		}
		limit := int64(1) << bits
		if abs < limit {
			return types.NewInt(sz, signed)
		}
	}
	return types.NewInt(8, signed)
}

// binaryResultType applies the operand-compatibility table: add/sub allow
// pointer+-int and pointer-pointer; mul/div/mod only int*int; shifts
// require an unsigned RHS; relops work on ints and pointers; bitwise only
// on ints. The result width is the wider operand's width (preserving
// signedness of that side); pointer arithmetic yields the pointer's type.
func (ctx *Context) binaryResultType(e *ast.Expression) *types.Type {
	lt := ctx.exprType(e.Left)
	rt := ctx.exprType(e.Right)

	switch e.BinOp {
	case ast.BinAdd, ast.BinSub:
		if lt.IsPointerLike() && rt.IsInt() {
			return lt
		}
		if rt.IsPointerLike() && lt.IsInt() && e.BinOp == ast.BinAdd {
			return rt
		}
		if lt.IsPointerLike() && rt.IsPointerLike() && e.BinOp == ast.BinSub {
			return types.NewInt(types.PointerSize, true)
		}
		if lt.IsInt() && rt.IsInt() {
			return wider(lt, rt)
		}
		lowerPanic(errf(e.Pos, "incompatible operand types for %v: %s, %s", e.BinOp, lt, rt))

	case ast.BinMul, ast.BinUDiv, ast.BinIDiv, ast.BinUMod, ast.BinIMod:
		if !lt.IsInt() || !rt.IsInt() {
			lowerPanic(errf(e.Pos, "arithmetic operator requires integer operands, got %s, %s", lt, rt))
		}
		return wider(lt, rt)

	case ast.BinShl, ast.BinShr, ast.BinSar:
		if !lt.IsInt() || !rt.IsInt() || rt.Signed {
			lowerPanic(errf(e.Pos, "shift requires an integer left operand and unsigned right operand"))
		}
		return lt

	case ast.BinAnd, ast.BinOr, ast.BinXor:
		if !lt.IsInt() || !rt.IsInt() {
			lowerPanic(errf(e.Pos, "bitwise operator requires integer operands"))
		}
		return wider(lt, rt)

	case ast.BinEq, ast.BinNeq, ast.BinLt, ast.BinLeq, ast.BinGt, ast.BinGeq:
		okInts := lt.IsInt() && rt.IsInt()
		okPtrs := lt.IsPointerLike() && rt.IsPointerLike()
		if !okInts && !okPtrs {
			lowerPanic(errf(e.Pos, "cannot compare %s with %s", lt, rt))
		}
		return types.NewInt(1, false)
	}
	lowerPanic(errf(e.Pos, "internal: unknown binary op %v", e.BinOp))
	return nil
}

func wider(a, b *types.Type) *types.Type {
	if a.Size >= b.Size {
		return a
	}
	return b
}
