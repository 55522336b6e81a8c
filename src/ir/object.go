package ir

import (
	"strings"

	"n16c/src/ast"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Object is the per-compiled-unit IR buffer: one exists per top-level
// function and one per module-scope variable declaration (holding its
// initializer code). Lowering appends to Code in source order; the desugarer
// rewrites Code in place; the allocator mutates each Register's Physical
// field and may prepend PreInstrs to individual instructions.
type Object struct {
	Name string
	Code []Instruction

	// Func is the owning declaration for function objects; nil for
	// toplevel (module-scope variable initializer) objects. Toplevel
	// objects are concatenated into the toplevel-code region at pack
	// time; function objects are laid out after it in compiled order.
	Func *ast.FunctionDecl

	// TopScope is the scope spill-slot locals are reserved in: the
	// function's frame-top scope, or nil for toplevel objects (whose
	// spills become global-spill-i data entries).
	TopScope *ast.Scope

	regSeq int

	// SpillSlots is the number of spill locals this object's allocator
	// pass required; filled in after register allocation.
	SpillSlots int
}

// NewObject creates an empty IR buffer for a function or a toplevel unit.
func NewObject(name string) *Object {
	return &Object{Name: name}
}

// NewRegister allocates a fresh virtual register, unique within this
// Object, at the given size and signedness.
func (o *Object) NewRegister(size int, signed bool) *Register {
	r := &Register{ID: o.regSeq, Sz: size, Signed: signed}
	o.regSeq++
	return r
}

// Emit appends instr to the object's code buffer and returns it.
func (o *Object) Emit(instr Instruction) Instruction {
	o.Code = append(o.Code, instr)
	return instr
}

// String renders the full instruction sequence, pre-instructions included,
// for -dump-ir.
func (o *Object) String() string {
	sb := strings.Builder{}
	sb.WriteString(o.Name)
	sb.WriteString(":\n")
	for _, in := range o.Code {
		for _, pre := range in.PreInstrs() {
			sb.WriteString("    ; ")
			sb.WriteString(pre.String())
			sb.WriteRune('\n')
		}
		sb.WriteString("    ")
		sb.WriteString(in.String())
		sb.WriteRune('\n')
	}
	return sb.String()
}
