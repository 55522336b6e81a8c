// Package lower implements expression and statement lowering: typed AST to
// IR for one compiled object.
package lower

import (
	"fmt"

	"n16c/src/ast"
	"n16c/src/compiler"
	"n16c/src/ir"
	"n16c/src/types"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Context threads the Compiler, the in-progress Object and the current
// scope stack through lowering. There is no package-level compilation
// state; everything an expression needs rides here.
type Context struct {
	Compiler *compiler.Compiler
	Object   *ir.Object
	Scope    *ast.Scope
	Request  compiler.RequestFunc

	// Func is the enclosing function declaration, nil for toplevel
	// (module-scope variable initializer) objects.
	Func *ast.FunctionDecl

	typeMemo map[*ast.Expression]*types.Type
}

// NewContext creates a lowering context for one top-level object.
func NewContext(c *compiler.Compiler, obj *ir.Object, scope *ast.Scope, req compiler.RequestFunc) *Context {
	return &Context{Compiler: c, Object: obj, Scope: scope, Request: req, typeMemo: make(map[*ast.Expression]*types.Type)}
}

// emit appends instr to the object's code and returns it.
func (ctx *Context) emit(instr ir.Instruction) ir.Instruction { return ctx.Object.Emit(instr) }

// reg allocates a fresh virtual register of the given size/signedness.
func (ctx *Context) reg(size int, signed bool) *ir.Register { return ctx.Object.NewRegister(size, signed) }

// pushScope enters a child scope for the duration of lowering its body.
func (ctx *Context) pushScope(s *ast.Scope) (restore func()) {
	prev := ctx.Scope
	ctx.Scope = s
	return func() { ctx.Scope = prev }
}

// resolve requests a Variable by source-level name, checking the scope
// stack first and falling back to the driver's global name-request
// protocol.
func (ctx *Context) resolve(name string) *ast.Variable {
	if v, ok := ctx.Scope.Lookup(name); ok {
		return v
	}
	return ctx.Request(name)
}

// LoweringError is a type error attached to the offending AST node's
// source region.
type LoweringError struct {
	Pos ast.Position
	Msg string
}

func (e *LoweringError) Error() string { return e.Pos.String() + ": " + e.Msg }

func errf(pos ast.Position, format string, args ...interface{}) error {
	return &LoweringError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
