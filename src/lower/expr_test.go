package lower

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"n16c/src/ast"
	"n16c/src/compiler"
	"n16c/src/ir"
	"n16c/src/types"
)

// ----------------------------
// ----- Test scaffolding -----
// ----------------------------

func ident(n string) *ast.Expression { return &ast.Expression{Kind: ast.ExprIdentifier, Name: n} }

func intlit(v int64) *ast.Expression { return &ast.Expression{Kind: ast.ExprIntLiteral, IntValue: v} }

func binop(op ast.BinaryOp, l, r *ast.Expression) *ast.Expression {
	return &ast.Expression{Kind: ast.ExprBinary, BinOp: op, Left: l, Right: r}
}

func logical(op ast.LogicalOp, l, r *ast.Expression) *ast.Expression {
	return &ast.Expression{Kind: ast.ExprLogical, LogOp: op, Left: l, Right: r}
}

func assign(target, value *ast.Expression) *ast.Expression {
	return &ast.Expression{Kind: ast.ExprAssign, Target: target, Value: value}
}

func deref(e *ast.Expression) *ast.Expression {
	return &ast.Expression{Kind: ast.ExprDereference, Operand: e}
}

func index(e, i *ast.Expression) *ast.Expression {
	return &ast.Expression{Kind: ast.ExprIndex, Operand: e, Index: i}
}

func resizeCast(e *ast.Expression, to *types.Type) *ast.Expression {
	return &ast.Expression{Kind: ast.ExprCast, CastKind: ast.CastResize, CastTo: to, Operand: e}
}

func call(callee *ast.Expression, args ...*ast.Expression) *ast.Expression {
	return &ast.Expression{Kind: ast.ExprCall, Callee: callee, Args: args}
}

func arrlit(elems ...*ast.Expression) *ast.Expression {
	return &ast.Expression{Kind: ast.ExprArrayLiteral, Elements: elems}
}

// newTestCtx builds a lowering context over a fresh frame scope. vars seeds
// the global name-request table.
func newTestCtx(vars map[string]*ast.Variable) *Context {
	c := compiler.New()
	obj := ir.NewObject("test")
	scope := ast.NewScope(nil)
	scope.IsFrame = true
	obj.TopScope = scope
	req := func(name string) *ast.Variable { return vars[name] }
	return NewContext(c, obj, scope, req)
}

// try runs f, converting a lowering panic back into an error.
func try(f func()) (err error) {
	defer recoverLowering(&err)
	f()
	return nil
}

func instrs(ctx *Context) []ir.Instruction { return ctx.Object.Code }

// ---------------------------
// ----- Expression tests -----
// ---------------------------

func TestIntLiteral(t *testing.T) {
	ctx := newTestCtx(nil)
	r := ctx.Compile(intlit(4))

	require.Len(t, instrs(ctx), 1)
	mov, ok := instrs(ctx)[0].(*ir.Mov)
	require.True(t, ok)
	assert.Same(t, r, mov.To)
	imm, ok := mov.From.(*ir.Immediate)
	require.True(t, ok)
	assert.EqualValues(t, 4, imm.Val)
	assert.Equal(t, 1, imm.Sz, "4 fits the smallest integer type")
	assert.Equal(t, 1, r.Sz)
	assert.False(t, r.Signed)
}

func TestSmallestFittingInt(t *testing.T) {
	assert.Equal(t, "u8", smallestFittingInt(0).String())
	assert.Equal(t, "u8", smallestFittingInt(255).String())
	assert.Equal(t, "u16", smallestFittingInt(256).String())
	assert.Equal(t, "u32", smallestFittingInt(70000).String())
	assert.Equal(t, "u64", smallestFittingInt(1<<40).String())
	assert.Equal(t, "i8", smallestFittingInt(-5).String())
	assert.Equal(t, "i16", smallestFittingInt(-200).String())
}

func TestAssignmentResizesAndStoresThroughAddress(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("x", types.NewInt(2, false))

	ctx.Compile(assign(ident("x"), intlit(7)))

	code := instrs(ctx)
	last, ok := code[len(code)-1].(*ir.Mov)
	require.True(t, ok)
	d, ok := last.To.(*ir.Dereference)
	require.True(t, ok)
	assert.Equal(t, 2, d.Sz)

	var sawResize bool
	for _, in := range code {
		if _, ok := in.(*ir.Resize); ok {
			sawResize = true
		}
	}
	assert.True(t, sawResize, "the u8 literal must widen to the u16 target")
}

func TestAssignToConstIsError(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("k", types.NewInt(2, false).WithConst(true))

	err := try(func() { ctx.Compile(assign(ident("k"), intlit(1))) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "const")
}

func TestNoLvalue(t *testing.T) {
	ctx := newTestCtx(nil)
	err := try(func() { ctx.LoadLvalue(intlit(3)) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lvalue")
}

func TestNegateUnsignedIsError(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("x", types.NewInt(1, false))
	neg := &ast.Expression{Kind: ast.ExprUnary, UnaryOp: ast.UnaryNeg, Operand: ident("x")}
	err := try(func() { ctx.Compile(neg) })
	require.Error(t, err)
}

func TestShortCircuitAnd(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("a", types.NewInt(1, false))
	ctx.Scope.DeclareLocal("b", types.NewInt(1, false))

	r := ctx.Compile(logical(ast.LogicalAnd, ident("a"), ident("b")))

	var cmp *ir.Compare
	var set *ir.SetCmp
	var jmp *ir.Jump
	var target *ir.JumpTarget
	for _, in := range instrs(ctx) {
		switch v := in.(type) {
		case *ir.Compare:
			cmp = v
		case *ir.SetCmp:
			set = v
		case *ir.Jump:
			jmp = v
		case *ir.JumpTarget:
			target = v
		}
	}
	require.NotNil(t, cmp)
	require.NotNil(t, set)
	require.NotNil(t, jmp)
	require.NotNil(t, target)
	assert.Equal(t, ir.CmpEq, set.Cmp, "and skips the RHS when the LHS is zero")
	assert.Same(t, target, jmp.Target)

	// The result aliases the LHS register: the final Mov writes into it.
	last := instrs(ctx)[len(instrs(ctx))-2]
	mov, ok := last.(*ir.Mov)
	require.True(t, ok)
	to, ok := mov.To.(*ir.Register)
	require.True(t, ok)
	assert.Equal(t, r.ID, to.ID)
}

func TestShortCircuitOr(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("a", types.NewInt(1, false))
	ctx.Scope.DeclareLocal("b", types.NewInt(1, false))

	ctx.Compile(logical(ast.LogicalOr, ident("a"), ident("b")))

	var set *ir.SetCmp
	for _, in := range instrs(ctx) {
		if v, ok := in.(*ir.SetCmp); ok {
			set = v
		}
	}
	require.NotNil(t, set)
	assert.Equal(t, ir.CmpNeq, set.Cmp, "or skips the RHS when the LHS is nonzero")
}

func TestIndexScalesByElementSize(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("arr", types.NewArray(types.NewInt(2, false), 4, true))

	r := ctx.Compile(index(ident("arr"), intlit(3)))

	var mul *ir.Binary
	for _, in := range instrs(ctx) {
		if b, ok := in.(*ir.Binary); ok && b.Op == ir.OpMul {
			mul = b
		}
	}
	require.NotNil(t, mul)
	imm, ok := mul.Right.(*ir.Immediate)
	require.True(t, ok)
	assert.EqualValues(t, 2, imm.Val)

	last, ok := instrs(ctx)[len(instrs(ctx))-1].(*ir.Mov)
	require.True(t, ok)
	d, ok := last.From.(*ir.Dereference)
	require.True(t, ok)
	assert.Equal(t, 2, d.Sz)
	assert.Equal(t, 2, r.Sz)
}

func TestIndexOfNestedArrayYieldsPointer(t *testing.T) {
	ctx := newTestCtx(nil)
	inner := types.NewArray(types.NewInt(1, false), 2, true)
	ctx.Scope.DeclareLocal("x", types.NewArray(inner, 2, true))

	r := ctx.Compile(index(ident("x"), intlit(1)))
	assert.Equal(t, types.PointerSize, r.Sz, "indexing into an array-of-arrays returns the row address")

	if _, ok := instrs(ctx)[len(instrs(ctx))-1].(*ir.Mov); ok {
		d, isDeref := instrs(ctx)[len(instrs(ctx))-1].(*ir.Mov).From.(*ir.Dereference)
		assert.False(t, isDeref && d.Sz == 1, "the row itself must not be dereferenced")
	}
}

func TestPointerArithmeticScales(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("p", types.NewPointer(types.NewInt(4, false)))

	ctx.Compile(binop(ast.BinAdd, ident("p"), intlit(2)))

	var mul *ir.Binary
	for _, in := range instrs(ctx) {
		if b, ok := in.(*ir.Binary); ok && b.Op == ir.OpMul {
			mul = b
		}
	}
	require.NotNil(t, mul, "the integer side is scaled by the pointee size")
	imm, ok := mul.Right.(*ir.Immediate)
	require.True(t, ok)
	assert.EqualValues(t, 4, imm.Val)
}

func TestDivisionPicksSignedness(t *testing.T) {
	assert.Equal(t, ir.OpIDiv, arithOp(ast.BinUDiv, true))
	assert.Equal(t, ir.OpUDiv, arithOp(ast.BinUDiv, false))
	assert.Equal(t, ir.OpIMod, arithOp(ast.BinUMod, true))
	assert.Equal(t, ir.OpUMod, arithOp(ast.BinUMod, false))
	assert.Equal(t, ir.OpSar, arithOp(ast.BinShr, true))
	assert.Equal(t, ir.OpShr, arithOp(ast.BinShr, false))
}

func TestRelationalPicksSignedness(t *testing.T) {
	assert.Equal(t, ir.CmpLtS, relOp(ast.BinLt, true))
	assert.Equal(t, ir.CmpLt, relOp(ast.BinLt, false))
	assert.Equal(t, ir.CmpGeqS, relOp(ast.BinGeq, true))
	assert.Equal(t, ir.CmpEq, relOp(ast.BinEq, true))
}

func TestShiftRequiresUnsignedRHS(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("x", types.NewInt(2, false))
	err := try(func() { ctx.Compile(binop(ast.BinShl, ident("x"), intlit(-1))) })
	require.Error(t, err)
}

func TestPreAndPostIncrement(t *testing.T) {
	pre := &ast.Expression{Kind: ast.ExprPreIncrement, Operand: ident("x")}
	post := &ast.Expression{Kind: ast.ExprPostIncrement, Operand: ident("x")}

	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("x", types.NewInt(1, false))

	rPre := ctx.Compile(pre)
	var add *ir.Binary
	for _, in := range instrs(ctx) {
		if b, ok := in.(*ir.Binary); ok && b.Op == ir.OpAdd {
			add = b
		}
	}
	require.NotNil(t, add)
	assert.Equal(t, rPre.ID, add.To.(*ir.Register).ID, "preincrement yields the new value")

	ctx2 := newTestCtx(nil)
	ctx2.Scope.DeclareLocal("x", types.NewInt(1, false))
	rPost := ctx2.Compile(post)
	var add2 *ir.Binary
	for _, in := range instrs(ctx2) {
		if b, ok := in.(*ir.Binary); ok && b.Op == ir.OpAdd {
			add2 = b
		}
	}
	require.NotNil(t, add2)
	assert.NotEqual(t, rPost.ID, add2.To.(*ir.Register).ID, "postincrement yields the old value")
}

func TestPointerIncrementStepsByPointeeSize(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("p", types.NewPointer(types.NewInt(8, false)))

	ctx.Compile(&ast.Expression{Kind: ast.ExprPreIncrement, Operand: ident("p")})

	var add *ir.Binary
	for _, in := range instrs(ctx) {
		if b, ok := in.(*ir.Binary); ok && b.Op == ir.OpAdd {
			add = b
		}
	}
	require.NotNil(t, add)
	imm, ok := add.Right.(*ir.Immediate)
	require.True(t, ok)
	assert.EqualValues(t, 8, imm.Val)
}

func TestResizeCastOnlyWhenWidthsDiffer(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("x", types.NewInt(1, false))

	r := ctx.Compile(resizeCast(ident("x"), types.NewInt(4, true)))
	assert.Equal(t, 4, r.Sz)
	_, isResize := instrs(ctx)[len(instrs(ctx))-1].(*ir.Resize)
	assert.True(t, isResize)

	before := len(instrs(ctx))
	same := ctx.Compile(resizeCast(ident("x"), types.NewInt(1, true)))
	assert.Equal(t, 1, same.Sz)
	for _, in := range instrs(ctx)[before:] {
		_, isResize := in.(*ir.Resize)
		assert.False(t, isResize, "same-width :: cast emits no Resize")
	}
}

func TestBitcastAliasesRegister(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("x", types.NewInt(2, false))

	bit := &ast.Expression{Kind: ast.ExprCast, CastKind: ast.CastBitcast, CastTo: types.NewPointer(types.NewInt(1, false)), Operand: ident("x")}
	before := len(instrs(ctx))
	r := ctx.Compile(bit)
	assert.Equal(t, types.PointerSize, r.Sz)
	assert.Equal(t, before+1, len(instrs(ctx)), "a bitcast emits only the operand's own load")
}

func TestCallResizesArgsAndRecordsDeclared(t *testing.T) {
	fnType := types.NewFunction(types.NewInt(1, false), []*types.Type{types.NewInt(2, false)}, false)
	f := &ast.Variable{Name: "f", Type: fnType, GlobalOffset: &ast.DataReference{Name: "f"}, LvalueIsRvalue: true}
	ctx := newTestCtx(map[string]*ast.Variable{"f": f})

	r := ctx.Compile(call(ident("f"), intlit(9)))

	var c *ir.Call
	for _, in := range instrs(ctx) {
		if v, ok := in.(*ir.Call); ok {
			c = v
		}
	}
	require.NotNil(t, c)
	assert.Equal(t, 1, c.Declared)
	require.Len(t, c.Args, 1)
	assert.Equal(t, 2, c.Args[0].Size(), "the u8 literal widens to the declared u16 parameter")
	assert.Equal(t, 2, c.ArgSize())
	require.NotNil(t, r)
	assert.Equal(t, 1, r.Sz)
}

func TestCallArgCount(t *testing.T) {
	fnType := types.NewFunction(types.Void, []*types.Type{types.NewInt(1, false)}, false)
	f := &ast.Variable{Name: "f", Type: fnType, GlobalOffset: &ast.DataReference{Name: "f"}, LvalueIsRvalue: true}
	ctx := newTestCtx(map[string]*ast.Variable{"f": f})

	err := try(func() { ctx.Compile(call(ident("f"))) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "argument count")
}

func TestVarargsCallWidensExtras(t *testing.T) {
	fnType := types.NewFunction(types.Void, []*types.Type{types.NewInt(1, false)}, true)
	f := &ast.Variable{Name: "f", Type: fnType, GlobalOffset: &ast.DataReference{Name: "f"}, LvalueIsRvalue: true}
	ctx := newTestCtx(map[string]*ast.Variable{"f": f})

	ctx.Compile(call(ident("f"), intlit(1), intlit(2), intlit(3)))

	var c *ir.Call
	for _, in := range instrs(ctx) {
		if v, ok := in.(*ir.Call); ok {
			c = v
		}
	}
	require.NotNil(t, c)
	assert.Equal(t, 1, c.Declared)
	require.Len(t, c.Args, 3)
	assert.Equal(t, 1, c.Args[0].Size())
	assert.Equal(t, types.PointerSize, c.Args[1].Size(), "variadic extras travel at pointer width")
	assert.Equal(t, types.PointerSize, c.Args[2].Size())
	assert.Equal(t, 5, c.ArgSize())
}

func TestDereferenceLoadsThroughPointer(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("p", types.NewPointer(types.NewInt(4, true)))

	r := ctx.Compile(deref(ident("p")))
	assert.Equal(t, 4, r.Sz)
	assert.True(t, r.Signed)

	last, ok := instrs(ctx)[len(instrs(ctx))-1].(*ir.Mov)
	require.True(t, ok)
	d, ok := last.From.(*ir.Dereference)
	require.True(t, ok)
	assert.Equal(t, 4, d.Sz)
}

func TestDereferenceNonPointerIsError(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("x", types.NewInt(2, false))
	err := try(func() { ctx.Compile(deref(ident("x"))) })
	require.Error(t, err)
}
