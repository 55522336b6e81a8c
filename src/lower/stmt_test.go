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

func varDecl(name string, t *types.Type, init *ast.Expression) ast.Statement {
	return ast.Statement{Kind: ast.StmtVariableDecl, VarDecl: &ast.VariableDecl{Name: name, Type: t, Init: init}}
}

func scopeOf(parent *ast.Scope, stmts ...ast.Statement) *ast.Scope {
	s := ast.NewScope(parent)
	s.Body = stmts
	return s
}

func countKind[T ir.Instruction](code []ir.Instruction) int {
	n := 0
	for _, in := range code {
		if _, ok := in.(T); ok {
			n++
		}
	}
	return n
}

// ------------------------------
// ----- Statement tests -----
// ------------------------------

func TestScopeEmitsPreludeAndEpilog(t *testing.T) {
	ctx := newTestCtx(nil)
	inner := scopeOf(ctx.Scope, varDecl("x", types.NewInt(2, false), nil))
	ctx.Statement(&ast.Statement{Kind: ast.StmtScope, ScopeBody: inner})

	code := instrs(ctx)
	require.NotEmpty(t, code)
	pre, ok := code[0].(*ir.Prelude)
	require.True(t, ok)
	assert.Same(t, inner, pre.Scope)
	epi, ok := code[len(code)-1].(*ir.Epilog)
	require.True(t, ok)
	assert.Same(t, inner, epi.Scope)
}

func TestVariableDeclInfersTypeFromInitializer(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Statement(&ast.Statement{Kind: ast.StmtVariableDecl, VarDecl: &ast.VariableDecl{Name: "x", Init: intlit(300)}})

	v, ok := ctx.Scope.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, "u16", v.Type.String())

	code := instrs(ctx)
	_, ok = code[len(code)-1].(*ir.SaveVar)
	assert.True(t, ok)
}

func TestVariableDeclWithoutTypeOrInitIsError(t *testing.T) {
	ctx := newTestCtx(nil)
	err := try(func() {
		ctx.Statement(&ast.Statement{Kind: ast.StmtVariableDecl, VarDecl: &ast.VariableDecl{Name: "x"}})
	})
	require.Error(t, err)
}

func TestArrayDeclWritesElementsInline(t *testing.T) {
	ctx := newTestCtx(nil)
	lit := arrlit(intlit(1), intlit(2), intlit(3), intlit(4))
	ctx.Statement(&ast.Statement{Kind: ast.StmtVariableDecl, VarDecl: &ast.VariableDecl{
		Name: "arr", Type: types.NewArray(types.NewInt(1, false), 4, true), Init: lit,
	}})

	v, ok := ctx.Scope.Lookup("arr")
	require.True(t, ok)
	assert.True(t, v.LvalueIsRvalue)
	assert.Equal(t, 4, v.Type.ByteSize())

	writes := 0
	for _, in := range instrs(ctx) {
		if mov, ok := in.(*ir.Mov); ok {
			if d, ok := mov.To.(*ir.Dereference); ok && d.Sz == 1 {
				writes++
			}
		}
	}
	assert.Equal(t, 4, writes)
}

func TestArrayDeclFillSlotsEmitNothing(t *testing.T) {
	ctx := newTestCtx(nil)
	lit := arrlit(intlit(1), intlit(2))
	ctx.Statement(&ast.Statement{Kind: ast.StmtVariableDecl, VarDecl: &ast.VariableDecl{
		Name: "arr", Type: types.NewArray(types.NewInt(1, false), 8, true), Init: lit,
	}})

	v, _ := ctx.Scope.Lookup("arr")
	assert.Equal(t, 8, v.Type.ByteSize(), "the declared length wins; fill slots stay zero")

	writes := 0
	for _, in := range instrs(ctx) {
		if mov, ok := in.(*ir.Mov); ok {
			if _, ok := mov.To.(*ir.Dereference); ok {
				writes++
			}
		}
	}
	assert.Equal(t, 2, writes)
}

func TestArrayDeclTooLongIsError(t *testing.T) {
	ctx := newTestCtx(nil)
	lit := arrlit(intlit(1), intlit(2), intlit(3))
	err := try(func() {
		ctx.Statement(&ast.Statement{Kind: ast.StmtVariableDecl, VarDecl: &ast.VariableDecl{
			Name: "arr", Type: types.NewArray(types.NewInt(1, false), 2, true), Init: lit,
		}})
	})
	require.Error(t, err)
}

func TestNestedArrayLiteralWritesInline(t *testing.T) {
	ctx := newTestCtx(nil)
	lit := arrlit(arrlit(intlit(1), intlit(2)), arrlit(intlit(123), intlit(4)))
	inner := types.NewArray(types.NewInt(1, false), 2, true)
	ctx.Statement(&ast.Statement{Kind: ast.StmtVariableDecl, VarDecl: &ast.VariableDecl{
		Name: "x", Type: types.NewArray(inner, 2, true), Init: lit,
	}})

	writes := 0
	for _, in := range instrs(ctx) {
		if mov, ok := in.(*ir.Mov); ok {
			if d, ok := mov.To.(*ir.Dereference); ok && d.Sz == 1 {
				writes++
			}
		}
	}
	assert.Equal(t, 4, writes, "nested rows store their bytes inline, not as pointers")
}

func TestPointerDeclFromLiteralUsesHiddenStorage(t *testing.T) {
	ctx := newTestCtx(nil)
	lit := arrlit(intlit(1), intlit(2), intlit(3))
	ctx.Statement(&ast.Statement{Kind: ast.StmtVariableDecl, VarDecl: &ast.VariableDecl{
		Name: "p", Type: types.NewPointer(types.NewInt(1, false)), Init: lit,
	}})

	v, ok := ctx.Scope.Lookup("p")
	require.True(t, ok)
	assert.False(t, v.LvalueIsRvalue)

	writes := 0
	for _, in := range instrs(ctx) {
		if mov, ok := in.(*ir.Mov); ok {
			if d, ok := mov.To.(*ir.Dereference); ok {
				assert.Equal(t, types.PointerSize, d.Sz, "pointer-personality elements are pointer sized")
				writes++
			}
		}
	}
	assert.Equal(t, 3, writes)
	assert.Equal(t, 3*types.PointerSize+types.PointerSize, ctx.Scope.FrameTop().FrameBytes(), "hidden storage plus the pointer variable")
}

func TestIfWithoutElse(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("c", types.NewInt(1, false))
	ctx.Statement(&ast.Statement{Kind: ast.StmtIf, Cond: ident("c"), Then: scopeOf(ctx.Scope)})

	code := instrs(ctx)
	assert.Equal(t, 2, countKind[*ir.Jump](code))
	assert.Equal(t, 2, countKind[*ir.JumpTarget](code))

	var condJump *ir.Jump
	for _, in := range code {
		if j, ok := in.(*ir.Jump); ok && j.Condition != nil {
			condJump = j
		}
	}
	require.NotNil(t, condJump, "exactly one jump is conditional")
}

func TestIfElseBranchesAreSwapped(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("c", types.NewInt(1, false))
	thenScope := scopeOf(ctx.Scope, varDecl("t", types.NewInt(1, false), nil))
	elseScope := scopeOf(ctx.Scope, varDecl("e", types.NewInt(1, false), nil))
	ctx.Statement(&ast.Statement{Kind: ast.StmtIf, Cond: ident("c"), Then: thenScope, Else: elseScope})

	// The else branch is laid out first so that the conditional jump falls
	// through on false and lands on the then branch on true.
	var order []*ast.Scope
	for _, in := range instrs(ctx) {
		if p, ok := in.(*ir.Prelude); ok {
			order = append(order, p.Scope)
		}
	}
	require.Len(t, order, 2)
	assert.Same(t, elseScope, order[0])
	assert.Same(t, thenScope, order[1])
}

func TestLoopShape(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("c", types.NewInt(1, false))
	ctx.Statement(&ast.Statement{Kind: ast.StmtLoop, LoopCond: ident("c"), LoopBody: scopeOf(ctx.Scope)})

	code := instrs(ctx)
	assert.Equal(t, 3, countKind[*ir.Jump](code))
	assert.Equal(t, 3, countKind[*ir.JumpTarget](code))

	first, ok := code[0].(*ir.JumpTarget)
	require.True(t, ok, "the test label opens the loop")
	last, ok := code[len(code)-1].(*ir.JumpTarget)
	require.True(t, ok, "the end label closes the loop")
	assert.NotEqual(t, first.Name, last.Name)

	backJump, ok := code[len(code)-2].(*ir.Jump)
	require.True(t, ok)
	assert.Same(t, first, backJump.Target)
	assert.Nil(t, backJump.Condition)
}

func TestAsmBlock(t *testing.T) {
	ctx := newTestCtx(nil)
	ctx.Scope.DeclareLocal("x", types.NewInt(2, false))

	block := &ast.AsmBlock{
		Exprs: []*ast.Expression{ident("x")},
		Instrs: []ast.AsmInstr{
			{Name: "out", Size: 2, Params: []ast.AsmParam{
				{Kind: ast.AsmParamImmediate, Immediate: 1},
				{Kind: ast.AsmParamExprIndex, ExprIndex: 0},
			}},
			{Name: "out", Size: 2, Params: []ast.AsmParam{
				{Kind: ast.AsmParamImmediate, Immediate: 1},
				{Kind: ast.AsmParamExprIndex, ExprIndex: 0},
			}},
		},
	}
	ctx.Statement(&ast.Statement{Kind: ast.StmtAsm, Asm: block})

	var machs []*ir.MachineInstr
	for _, in := range instrs(ctx) {
		if m, ok := in.(*ir.MachineInstr); ok {
			machs = append(machs, m)
		}
	}
	require.Len(t, machs, 2)

	r1 := machs[0].Params[1].(*ir.Register)
	r2 := machs[1].Params[1].(*ir.Register)
	assert.Equal(t, r1.ID, r2.ID, "both instructions reference the same compiled expression")
	assert.NotSame(t, r1, r2, "parameters are copied so allocation is per-instance")
}

func TestAsmRegisterIndexAndDeref(t *testing.T) {
	ctx := newTestCtx(nil)
	block := &ast.AsmBlock{
		Instrs: []ast.AsmInstr{
			{Name: "mov", Size: 1, Params: []ast.AsmParam{
				{Kind: ast.AsmParamRegisterIndex, RegisterIndex: 3, Dereferenced: true, AccessSize: 1},
				{Kind: ast.AsmParamImmediate, Immediate: 7},
			}},
		},
	}
	ctx.Statement(&ast.Statement{Kind: ast.StmtAsm, Asm: block})

	m, ok := instrs(ctx)[0].(*ir.MachineInstr)
	require.True(t, ok)
	d, ok := m.Params[0].(*ir.Dereference)
	require.True(t, ok)
	assert.Equal(t, 1, d.Sz)
	r, ok := d.To.(*ir.Register)
	require.True(t, ok)
	require.NotNil(t, r.Physical)
	assert.Equal(t, 3, *r.Physical)
}

// ------------------------------
// ----- Function lowering -----
// ------------------------------

func runLower(t *testing.T, c *compiler.Compiler, lf compiler.LowerFunc, vars map[string]*ast.Variable) *ir.Object {
	t.Helper()
	obj, err := lf(func(name string) *ast.Variable { return vars[name] })
	require.NoError(t, err)
	return obj
}

func TestLowerFunctionParameterOffsets(t *testing.T) {
	c := compiler.New()
	f := &ast.FunctionDecl{
		Name: "f",
		Params: []*ast.Variable{
			{Name: "a", Type: types.NewInt(1, false)},
			{Name: "b", Type: types.NewInt(2, false)},
		},
		Returns: types.Void,
		Scope:   ast.NewScope(nil),
	}
	runLower(t, c, LowerFunction(c, f, ""), nil)

	a, ok := f.Scope.Lookup("a")
	require.True(t, ok)
	b, ok := f.Scope.Lookup("b")
	require.True(t, ok)

	// Accumulated from the right, below the saved base pointer and return
	// address: b at -6, a at -7.
	assert.Equal(t, -6, *b.StackOffset)
	assert.Equal(t, -7, *a.StackOffset)
	assert.True(t, f.Scope.IsFrame)

	sym, ok := c.LookupVariable("f")
	require.True(t, ok)
	assert.True(t, sym.LvalueIsRvalue)
	assert.Equal(t, types.KindFunction, sym.Type.Kind)
}

func TestLowerFunctionVarargs(t *testing.T) {
	c := compiler.New()
	f := &ast.FunctionDecl{
		Name:    "f",
		Params:  []*ast.Variable{{Name: "a", Type: types.NewInt(1, false)}},
		Returns: types.Void,
		Varargs: true,
		Scope:   ast.NewScope(nil),
	}
	runLower(t, c, LowerFunction(c, f, ""), nil)

	require.NotNil(t, f.VarArgsVar)
	assert.True(t, f.VarArgsVar.LvalueIsRvalue)
	// Just past the last real parameter: -(4 + 1 + 2).
	assert.Equal(t, -7, *f.VarArgsVar.StackOffset)

	va, ok := f.Scope.Lookup("var_args")
	require.True(t, ok)
	assert.Same(t, f.VarArgsVar, va)
}

func TestLowerFunctionEmitsPreludeAndReturn(t *testing.T) {
	c := compiler.New()
	f := &ast.FunctionDecl{Name: "f", Returns: types.Void, Scope: ast.NewScope(nil)}
	obj := runLower(t, c, LowerFunction(c, f, ""), nil)

	require.NotEmpty(t, obj.Code)
	_, ok := obj.Code[0].(*ir.Prelude)
	assert.True(t, ok)
	ret, ok := obj.Code[len(obj.Code)-1].(*ir.Return)
	require.True(t, ok)
	assert.Nil(t, ret.Arg)
	assert.Same(t, f, obj.Func)
	assert.Same(t, f.Scope, obj.TopScope)
}

func TestReturnEmitsEpilogsForInterveningScopes(t *testing.T) {
	c := compiler.New()
	retStmt := ast.Statement{Kind: ast.StmtReturn, ReturnValue: intlit(1)}
	fnScope := ast.NewScope(nil)
	inner := scopeOf(fnScope, retStmt)
	fnScope.Body = []ast.Statement{{Kind: ast.StmtScope, ScopeBody: inner}}
	f := &ast.FunctionDecl{Name: "f", Returns: types.NewInt(1, false), Scope: fnScope}

	obj := runLower(t, c, LowerFunction(c, f, ""), nil)

	var sawInnerEpilog bool
	for i, in := range obj.Code {
		if r, ok := in.(*ir.Return); ok && r.Arg != nil {
			require.Greater(t, i, 0)
			epi, ok := obj.Code[i-1].(*ir.Epilog)
			require.True(t, ok, "the inner scope closes before the return")
			assert.Same(t, inner, epi.Scope)
			sawInnerEpilog = true
		}
	}
	assert.True(t, sawInnerEpilog)

	for _, in := range obj.Code {
		if epi, ok := in.(*ir.Epilog); ok {
			assert.NotSame(t, fnScope, epi.Scope, "the frame-top scope's teardown belongs to the Return")
		}
	}
}

func TestReturnValueFromVoidIsError(t *testing.T) {
	c := compiler.New()
	fnScope := ast.NewScope(nil)
	fnScope.Body = []ast.Statement{{Kind: ast.StmtReturn, ReturnValue: intlit(1)}}
	f := &ast.FunctionDecl{Name: "f", Returns: types.Void, Scope: fnScope}

	_, err := LowerFunction(c, f, "")(func(string) *ast.Variable { return nil })
	require.Error(t, err)
}

func TestLowerGlobalReservesStorageAndInitCode(t *testing.T) {
	c := compiler.New()
	d := &ast.VariableDecl{Name: "g", Type: types.NewInt(2, false), Init: intlit(300)}
	obj := runLower(t, c, LowerGlobal(c, d, ""), nil)

	v, ok := c.LookupVariable("g")
	require.True(t, ok)
	assert.True(t, v.IsGlobal())
	require.Contains(t, c.DataIndex, "g")
	assert.Len(t, c.Data[c.DataIndex["g"]].Bytes, 2)

	assert.Nil(t, obj.Func, "toplevel objects carry no function declaration")
	_, ok = obj.Code[len(obj.Code)-1].(*ir.SaveVar)
	assert.True(t, ok)
}

func TestLowerGlobalArrayLiteral(t *testing.T) {
	c := compiler.New()
	d := &ast.VariableDecl{
		Name: "arr",
		Type: types.NewArray(types.NewInt(1, false), 0, false),
		Init: arrlit(intlit(1), intlit(2), intlit(3), intlit(4)),
	}
	obj := runLower(t, c, LowerGlobal(c, d, ""), nil)

	v, ok := c.LookupVariable("arr")
	require.True(t, ok)
	assert.True(t, v.LvalueIsRvalue)
	assert.Equal(t, 4, v.Type.ByteSize())
	assert.Len(t, c.Data[c.DataIndex["arr"]].Bytes, 4)
	assert.NotEmpty(t, obj.Code)
}

func TestPlanWorkFlattensModules(t *testing.T) {
	c := compiler.New()
	stmts := []ast.Statement{
		{Kind: ast.StmtFunctionDecl, Func: &ast.FunctionDecl{Name: "main", Returns: types.Void, Scope: ast.NewScope(nil)}},
		{Kind: ast.StmtModDecl, Mod: &ast.ModDecl{Name: "m", Body: []ast.Statement{
			{Kind: ast.StmtFunctionDecl, Func: &ast.FunctionDecl{Name: "f", Returns: types.Void, Scope: ast.NewScope(nil)}},
			{Kind: ast.StmtModDecl, Mod: &ast.ModDecl{Name: "n", Body: []ast.Statement{
				{Kind: ast.StmtVariableDecl, VarDecl: &ast.VariableDecl{Name: "g", Type: types.NewInt(1, false)}},
			}}},
		}}},
	}
	works, err := PlanWork(c, stmts)
	require.NoError(t, err)
	require.Len(t, works, 3)
	assert.Equal(t, "", works[0].Namespace)
	assert.Equal(t, "m", works[1].Namespace)
	assert.Equal(t, "m.n", works[2].Namespace)

	require.NoError(t, c.Run(works))
	_, ok := c.LookupVariable("m.f")
	assert.True(t, ok)
	_, ok = c.LookupVariable("m.n.g")
	assert.True(t, ok)
}
