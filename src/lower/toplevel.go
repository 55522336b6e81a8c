package lower

import (
	"fmt"

	"n16c/src/ast"
	"n16c/src/compiler"
	"n16c/src/ir"
	"n16c/src/types"
)

// -------------------------------
// ----- Work-list planning -----
// -------------------------------

// PlanWork flattens the top-level statement list into driver work items.
// ModDecl bodies contribute their qualified prefix to every statement they
// contain; functions and variable declarations each become one schedulable
// object.
func PlanWork(c *compiler.Compiler, stmts []ast.Statement) ([]compiler.Work, error) {
	return planWork(c, stmts, "")
}

func planWork(c *compiler.Compiler, stmts []ast.Statement, namespace string) ([]compiler.Work, error) {
	works := make([]compiler.Work, 0, len(stmts))
	for i := range stmts {
		s := &stmts[i]
		switch s.Kind {
		case ast.StmtFunctionDecl:
			works = append(works, compiler.Work{Namespace: namespace, Lower: LowerFunction(c, s.Func, namespace)})
		case ast.StmtVariableDecl:
			works = append(works, compiler.Work{Namespace: namespace, Lower: LowerGlobal(c, s.VarDecl, namespace)})
		case ast.StmtModDecl:
			sub := s.Mod.Name
			if namespace != "" {
				sub = namespace + "." + sub
			}
			ws, err := planWork(c, s.Mod.Body, sub)
			if err != nil {
				return nil, err
			}
			works = append(works, ws...)
		default:
			return nil, fmt.Errorf("%s: statement kind %d is not allowed at module scope", s.Pos, s.Kind)
		}
	}
	return works, nil
}

func qualified(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

// -----------------------------
// ----- Function lowering -----
// -----------------------------

// LowerFunction returns the lowering coroutine body for one function
// declaration. The function's own symbol is declared before the body is
// lowered, so recursive and mutually-referencing functions resolve without
// waiting on each other's completion.
func LowerFunction(c *compiler.Compiler, f *ast.FunctionDecl, namespace string) compiler.LowerFunc {
	return func(req compiler.RequestFunc) (obj *ir.Object, err error) {
		defer recoverLowering(&err)

		f.Namespace = namespace
		qname := f.QualifiedName()

		argTypes := make([]*types.Type, len(f.Params))
		for i, p := range f.Params {
			argTypes[i] = p.Type
		}
		fnType := types.NewFunction(f.Returns, argTypes, f.Varargs)

		sym := &ast.Variable{
			Name:           qname,
			Type:           fnType,
			GlobalOffset:   &ast.DataReference{Name: qname},
			LvalueIsRvalue: true,
		}
		if derr := c.DeclareGlobal(sym); derr != nil {
			return nil, derr
		}

		// Parameters sit below the saved base pointer and return address,
		// offsets accumulated from the right. Array parameters decay to
		// pointers: their pushed value is the storage address.
		running := -2 * types.PointerSize
		declared := 0
		for i := len(f.Params) - 1; i >= 0; i-- {
			p := f.Params[i]
			t := p.Type
			if t.Kind == types.KindArray {
				t = types.NewPointer(t.To)
			}
			running -= t.ValueSize()
			declared += t.ValueSize()
			f.Scope.DeclareParam(p.Name, t, running)
		}
		f.Scope.IsFrame = true

		if f.Varargs {
			// The synthetic varargs pointer denotes the address of the
			// first variadic extra, which the caller places just past the
			// last real parameter. Extras are pointer-width and descend
			// from there.
			off := running - types.PointerSize
			va := f.Scope.DeclareParam("var_args", types.NewPointer(types.NewInt(types.PointerSize, false)), off)
			va.LvalueIsRvalue = true
			f.VarArgsVar = va
		}

		obj = ir.NewObject(qname)
		obj.Func = f
		obj.TopScope = f.Scope

		ctx := NewContext(c, obj, f.Scope, req)
		ctx.Func = f

		ctx.emit(ir.NewPrelude(f.Scope))
		for i := range f.Scope.Body {
			ctx.Statement(&f.Scope.Body[i])
		}
		ctx.emit(ir.NewReturn(f.Scope, nil))
		return obj, nil
	}
}

// ---------------------------
// ----- Global lowering -----
// ---------------------------

// LowerGlobal returns the lowering coroutine body for one module-scope
// variable declaration. Storage is reserved in the compiler's data table;
// initializer writes become a toplevel object whose code the packager
// concatenates into the toplevel-code region.
func LowerGlobal(c *compiler.Compiler, d *ast.VariableDecl, namespace string) compiler.LowerFunc {
	return func(req compiler.RequestFunc) (obj *ir.Object, err error) {
		defer recoverLowering(&err)

		qname := qualified(namespace, d.Name)
		obj = ir.NewObject(qname)

		ctx := NewContext(c, obj, ast.NewScope(nil), req)

		t := d.Type
		if t == nil {
			if d.Init == nil {
				lowerPanic(errf(d.Pos, "variable %q needs a type or an initializer", d.Name))
			}
			t = ctx.exprType(d.Init)
		}
		if t.Kind == types.KindArray && !t.HasLength {
			if d.Init == nil || d.Init.Kind != ast.ExprArrayLiteral {
				lowerPanic(errf(d.Pos, "global array %q needs an explicit length or a literal initializer", d.Name))
			}
			t = types.NewArray(t.To, len(d.Init.Elements), true)
		}

		v := c.AddBytes(qname, make([]byte, t.ByteSize()))
		v.Type = t
		v.LvalueIsRvalue = t.Kind == types.KindArray
		if derr := c.DeclareGlobal(v); derr != nil {
			return nil, derr
		}

		if d.Init == nil {
			return obj, nil
		}

		if d.Init.Kind == ast.ExprArrayLiteral {
			switch t.Kind {
			case types.KindArray:
				ctx.checkLiteral(d.Init, t)
				addr := ctx.reg(types.PointerSize, false)
				ctx.emit(ir.NewLoadVar(v, addr, false))
				ctx.compileAsArr(d.Init, addr, t)
			case types.KindPointer:
				addr := ctx.compileAsRef(d.Init, t)
				ctx.emit(ir.NewSaveVar(v, addr))
			default:
				lowerPanic(errf(d.Pos, "array literal cannot initialize a %s variable", t))
			}
			return obj, nil
		}

		it := ctx.exprType(d.Init)
		if !it.ImplicitlyCastableTo(t) {
			lowerPanic(errf(d.Pos, "cannot initialize %s variable %q with %s", t, d.Name, it))
		}
		val := ctx.Compile(d.Init)
		val = ctx.resizeTo(val, t.ValueSize(), t.Kind == types.KindInt && t.Signed)
		ctx.emit(ir.NewSaveVar(v, val))
		return obj, nil
	}
}
