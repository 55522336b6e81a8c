package lower

import (
	"n16c/src/ast"
	"n16c/src/ir"
	"n16c/src/types"
	"n16c/src/util"
)

// --------------------------------
// ----- Statement lowering -----
// --------------------------------

// Statement lowers one statement into the object's IR buffer.
func (ctx *Context) Statement(s *ast.Statement) {
	switch s.Kind {
	case ast.StmtScope:
		ctx.scope(s.ScopeBody)

	case ast.StmtVariableDecl:
		ctx.variableDecl(s.VarDecl)

	case ast.StmtReturn:
		ctx.returnStmt(s)

	case ast.StmtIf:
		ctx.ifStmt(s)

	case ast.StmtLoop:
		ctx.loopStmt(s)

	case ast.StmtExpr:
		ctx.Compile(s.Expr)

	case ast.StmtAsm:
		ctx.asmBlock(s.Asm)

	default:
		lowerPanic(errf(s.Pos, "internal: statement kind %d is not valid inside a function body", s.Kind))
	}
}

// scope lowers a nested block between a Prelude and an Epilog. The block's
// locals live in the frame reserved once by the frame-top scope's Prelude;
// a nested Prelude and Epilog save and restore the registers the block uses.
func (ctx *Context) scope(s *ast.Scope) {
	restore := ctx.pushScope(s)
	defer restore()
	ctx.emit(ir.NewPrelude(s))
	for i := range s.Body {
		ctx.Statement(&s.Body[i])
	}
	ctx.emit(ir.NewEpilog(s))
}

// ------------------------------
// ----- Variable declaration -----
// ------------------------------

func (ctx *Context) variableDecl(d *ast.VariableDecl) {
	t := d.Type
	if t == nil {
		if d.Init == nil {
			lowerPanic(errf(d.Pos, "variable %q needs a type or an initializer", d.Name))
		}
		t = ctx.exprType(d.Init)
	}

	if d.Init != nil && d.Init.Kind == ast.ExprArrayLiteral {
		ctx.declareWithLiteral(d, t)
		return
	}

	v := ctx.Scope.DeclareLocal(d.Name, t)
	if d.Init == nil {
		// Storage is zero per the frame zero-out convention.
		return
	}
	it := ctx.exprType(d.Init)
	if !it.ImplicitlyCastableTo(t) {
		lowerPanic(errf(d.Pos, "cannot initialize %s variable %q with %s", t, d.Name, it))
	}
	val := ctx.Compile(d.Init)
	val = ctx.resizeTo(val, t.ValueSize(), t.Kind == types.KindInt && t.Signed)
	ctx.emit(ir.NewSaveVar(v, val))
}

// declareWithLiteral handles the two storage strategies an array-literal
// initializer can take: inline element storage when the declared type is an
// Array, and anonymous pointer-sized-element storage when it is a Pointer.
func (ctx *Context) declareWithLiteral(d *ast.VariableDecl, t *types.Type) {
	switch t.Kind {
	case types.KindArray:
		if !t.HasLength {
			t = types.NewArray(t.To, len(d.Init.Elements), true)
		}
		ctx.checkLiteral(d.Init, t)
		v := ctx.Scope.DeclareLocal(d.Name, t)
		addr := ctx.reg(types.PointerSize, false)
		ctx.emit(ir.NewLoadVar(v, addr, false))
		ctx.compileAsArr(d.Init, addr, t)

	case types.KindPointer:
		addr := ctx.compileAsRef(d.Init, t)
		v := ctx.Scope.DeclareLocal(d.Name, t)
		ctx.emit(ir.NewSaveVar(v, addr))

	default:
		lowerPanic(errf(d.Pos, "array literal cannot initialize a %s variable", t))
	}
}

// --------------------
// ----- Return -----
// --------------------

// returnStmt emits an Epilog for every scope between the current one and
// the function's own frame-top scope, then the Return itself; the frame-top
// scope's teardown belongs to the Return.
func (ctx *Context) returnStmt(s *ast.Statement) {
	fn := ctx.Func
	if fn == nil {
		lowerPanic(errf(s.Pos, "return outside a function"))
	}

	var arg ir.Param
	if fn.Returns.Kind == types.KindVoid {
		if s.ReturnValue != nil {
			lowerPanic(errf(s.Pos, "void function %q cannot return a value", fn.Name))
		}
	} else {
		if s.ReturnValue == nil {
			lowerPanic(errf(s.Pos, "function %q must return a %s value", fn.Name, fn.Returns))
		}
		rt := ctx.exprType(s.ReturnValue)
		if !rt.ImplicitlyCastableTo(fn.Returns) {
			lowerPanic(errf(s.Pos, "cannot return %s from function returning %s", rt, fn.Returns))
		}
		val := ctx.Compile(s.ReturnValue)
		arg = ctx.resizeTo(val, fn.Returns.ValueSize(), fn.Returns.Kind == types.KindInt && fn.Returns.Signed)
	}

	for sc := ctx.Scope; sc != nil && sc != fn.Scope; sc = sc.Parent {
		ctx.emit(ir.NewEpilog(sc))
	}
	ctx.emit(ir.NewReturn(fn.Scope, arg))
}

// ----------------
// ----- If -----
// ----------------

// ifStmt lays the branches out so that "fall through on true" holds with a
// single conditional jump: without an else the body is skipped over; with
// an else the branches are swapped and the conditional jump lands on the
// then-branch.
func (ctx *Context) ifStmt(s *ast.Statement) {
	cond := ctx.Compile(s.Cond)

	if s.Else == nil {
		body := ir.NewJumpTarget(util.NewLabel(util.LabelIf))
		end := ir.NewJumpTarget(util.NewLabel(util.LabelIfEnd))
		ctx.emit(ir.NewJump(body, cond))
		ctx.emit(ir.NewJump(end, nil))
		ctx.emit(body)
		ctx.scope(s.Then)
		ctx.emit(end)
		return
	}

	then := ir.NewJumpTarget(util.NewLabel(util.LabelIfElse))
	end := ir.NewJumpTarget(util.NewLabel(util.LabelIfEnd))
	ctx.emit(ir.NewJump(then, cond))
	ctx.scope(s.Else)
	ctx.emit(ir.NewJump(end, nil))
	ctx.emit(then)
	ctx.scope(s.Then)
	ctx.emit(end)
}

// -----------------
// ----- Loop -----
// -----------------

func (ctx *Context) loopStmt(s *ast.Statement) {
	test := ir.NewJumpTarget(util.NewLabel(util.LabelWhileHead))
	cont := ir.NewJumpTarget(util.NewLabel(util.LabelWhileBody))
	end := ir.NewJumpTarget(util.NewLabel(util.LabelWhileEnd))

	ctx.emit(test)
	cond := ctx.Compile(s.LoopCond)
	ctx.emit(ir.NewJump(cont, cond))
	ctx.emit(ir.NewJump(end, nil))
	ctx.emit(cont)
	ctx.scope(s.LoopBody)
	ctx.emit(ir.NewJump(test, nil))
	ctx.emit(end)
}

// ----------------------
// ----- ASM block -----
// ----------------------

// asmBlock compiles each captured expression once, then emits every inline
// machine instruction with its parameters resolved. Expression-indexed
// parameters are cloned per instruction so the allocator's physical
// assignment stays per-instance.
func (ctx *Context) asmBlock(b *ast.AsmBlock) {
	regs := make([]*ir.Register, len(b.Exprs))
	for i, e := range b.Exprs {
		regs[i] = ctx.Compile(e)
	}

	for i := range b.Instrs {
		in := &b.Instrs[i]
		params := make([]ir.Param, 0, len(in.Params))
		for _, p := range in.Params {
			var op ir.Param
			switch p.Kind {
			case ast.AsmParamRegisterIndex:
				op = ir.PhysRegister(p.RegisterIndex, in.Size)
			case ast.AsmParamImmediate:
				op = &ir.Immediate{Val: p.Immediate, Sz: in.Size}
			case ast.AsmParamExprIndex:
				if p.ExprIndex < 0 || p.ExprIndex >= len(regs) {
					lowerPanic(errf(ast.Position{}, "machine instruction %q references expression %d of %d", in.Name, p.ExprIndex, len(regs)))
				}
				op = regs[p.ExprIndex].Clone()
			}
			if p.Dereferenced {
				sz := p.AccessSize
				if sz == 0 {
					sz = in.Size
				}
				op = &ir.Dereference{To: op, Sz: sz}
			}
			params = append(params, op)
		}
		ctx.emit(ir.NewMachineInstr(in.Name, in.Size, params))
	}
}
