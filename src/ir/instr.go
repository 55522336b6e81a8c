package ir

import (
	"fmt"

	"n16c/src/ast"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// CompareOp is the closed set of comparison codes produced by Compare and
// consumed by SetCmp/Jump.
type CompareOp uint

const (
	CmpLeq CompareOp = iota
	CmpLt
	CmpEq
	CmpNeq
	CmpGt
	CmpGeq
	CmpLeqS
	CmpLtS
	CmpGtS
	CmpGeqS
	CmpUncond
)

var cmpNames = [...]string{"leq", "lt", "eq", "neq", "gt", "geq", "leqs", "lts", "gts", "geqs", "uncond"}

func (c CompareOp) String() string { return cmpNames[c] }

// UnaryOp mirrors ast.UnaryOp at the IR level (binv, linv, neg, pos).
type UnaryOp = ast.UnaryOp

// BinaryOp is the IR-level arithmetic/bitwise opcode, a strict subset of
// ast.BinaryOp (relational operators are lowered to Compare/SetCmp instead).
type BinaryOp uint

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpUDiv
	OpIDiv
	OpUMod
	OpIMod
	OpShl
	OpShr
	OpSar
	OpAnd
	OpOr
	OpXor
)

var binOpNames = [...]string{"add", "sub", "mul", "udiv", "idiv", "umod", "imod", "shl", "shr", "sar", "and", "or", "xor"}

func (b BinaryOp) String() string { return binOpNames[b] }

// Instruction is the common interface every IR variant implements: enough
// surface for the liveness pass, the allocator and the desugarer/encoder to
// operate generically without a type switch in most places (a type switch
// is still used where the instruction's exact shape matters, e.g. in the
// encoder's lowering table).
type Instruction interface {
	// TouchedRegisters returns, in a stable per-instruction order, the
	// virtual registers this instruction reads or writes.
	TouchedRegisters() []*Register

	// CloneRegs replaces every touched register with its own clone, so
	// that physical-register assignment on one instruction never aliases
	// another instruction referencing the same virtual id.
	CloneRegs()

	// ClosingRegisters is the set (by virtual id) of registers whose last
	// use is this instruction, filled in by the liveness pass.
	ClosingRegisters() map[int]*Register
	AddClosing(r *Register)

	// PreInstrs are spill/load instructions the allocator emits to run
	// immediately before this one.
	PreInstrs() []Instruction
	InsertPreInstrs(ins ...Instruction)

	String() string
}

// base is embedded by every concrete instruction; it supplies the
// PreInstrs/ClosingRegisters bookkeeping shared by the whole closed set.
type base struct {
	pre     []Instruction
	closing map[int]*Register
}

func (b *base) PreInstrs() []Instruction { return b.pre }
func (b *base) InsertPreInstrs(ins ...Instruction) {
	b.pre = append(b.pre, ins...)
}
func (b *base) ClosingRegisters() map[int]*Register {
	if b.closing == nil {
		b.closing = make(map[int]*Register)
	}
	return b.closing
}
func (b *base) AddClosing(r *Register) {
	b.ClosingRegisters()[r.ID] = r
}

// filterReg extracts the Register behind a Param, looking through a single
// level of Dereference, or nil if the operand carries no register.
func filterReg(p Param) *Register {
	switch v := p.(type) {
	case *Register:
		return v
	case *Dereference:
		return filterReg(v.To)
	default:
		return nil
	}
}

func cloneParam(p Param) Param {
	if r, ok := p.(*Register); ok {
		return r.Clone()
	}
	if d, ok := p.(*Dereference); ok {
		return &Dereference{To: cloneParam(d.To), Sz: d.Sz}
	}
	return p
}

// ---------------------------------
// ----- LoadVar / SaveVar / Mov -----
// ---------------------------------

// LoadVar reads (or, if Lvalue, takes the address of) a variable into a
// fresh register.
type LoadVar struct {
	base
	Variable *ast.Variable
	To       *Register
	Lvalue   bool
}

func NewLoadVar(v *ast.Variable, to *Register, lvalue bool) *LoadVar {
	return &LoadVar{Variable: v, To: to, Lvalue: lvalue}
}
func (i *LoadVar) TouchedRegisters() []*Register { return []*Register{i.To} }
func (i *LoadVar) CloneRegs()                    { i.To = i.To.Clone() }
func (i *LoadVar) String() string {
	return fmt.Sprintf("loadvar %s, %s, lvalue=%v", i.Variable.Name, i.To, i.Lvalue)
}

// SaveVar writes a variable from a register or immediate.
type SaveVar struct {
	base
	Variable *ast.Variable
	From     Param
}

func NewSaveVar(v *ast.Variable, from Param) *SaveVar { return &SaveVar{Variable: v, From: from} }
func (i *SaveVar) TouchedRegisters() []*Register {
	if r := filterReg(i.From); r != nil {
		return []*Register{r}
	}
	return nil
}
func (i *SaveVar) CloneRegs() { i.From = cloneParam(i.From) }
func (i *SaveVar) String() string {
	return fmt.Sprintf("savevar %s, %s", i.Variable.Name, i.From)
}

// Mov is a primitive move, with no variable-level semantics attached.
type Mov struct {
	base
	To   Param
	From Param
}

func NewMov(to, from Param) *Mov { return &Mov{To: to, From: from} }
func (i *Mov) TouchedRegisters() []*Register {
	return nonNil(filterReg(i.To), filterReg(i.From))
}
func (i *Mov) CloneRegs() { i.To = cloneParam(i.To); i.From = cloneParam(i.From) }
func (i *Mov) String() string { return fmt.Sprintf("mov %s, %s", i.To, i.From) }

func nonNil(rs ...*Register) []*Register {
	out := make([]*Register, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// -----------------------------
// ----- Unary / Binary -----
// -----------------------------

type Unary struct {
	base
	Arg Param
	Op  UnaryOp
	To  *Register
}

func NewUnary(arg Param, op UnaryOp, to *Register) *Unary { return &Unary{Arg: arg, Op: op, To: to} }
func (i *Unary) TouchedRegisters() []*Register            { return nonNil(filterReg(i.Arg), i.To) }
func (i *Unary) CloneRegs()                               { i.Arg = cloneParam(i.Arg); i.To = i.To.Clone() }
func (i *Unary) String() string                           { return fmt.Sprintf("unary.%d %s, %s", i.Op, i.Arg, i.To) }

type Binary struct {
	base
	Left  Param
	Right Param
	Op    BinaryOp
	To    Param
}

func NewBinary(left, right Param, op BinaryOp, to Param) *Binary {
	return &Binary{Left: left, Right: right, Op: op, To: to}
}
func (i *Binary) TouchedRegisters() []*Register {
	return nonNil(filterReg(i.Left), filterReg(i.Right), filterReg(i.To))
}
func (i *Binary) CloneRegs() {
	i.Left = cloneParam(i.Left)
	i.Right = cloneParam(i.Right)
	i.To = cloneParam(i.To)
}
func (i *Binary) String() string {
	return fmt.Sprintf("binary.%s %s, %s, %s", i.Op, i.Left, i.Right, i.To)
}

// -----------------------------
// ----- Compare / SetCmp -----
// -----------------------------

type Compare struct {
	base
	Left  Param
	Right Param
}

func NewCompare(left, right Param) *Compare { return &Compare{Left: left, Right: right} }
func (i *Compare) TouchedRegisters() []*Register {
	return nonNil(filterReg(i.Left), filterReg(i.Right))
}
func (i *Compare) CloneRegs() { i.Left = cloneParam(i.Left); i.Right = cloneParam(i.Right) }
func (i *Compare) String() string { return fmt.Sprintf("cmp %s, %s", i.Left, i.Right) }

type SetCmp struct {
	base
	Dest *Register
	Cmp  CompareOp
}

func NewSetCmp(dest *Register, cmp CompareOp) *SetCmp { return &SetCmp{Dest: dest, Cmp: cmp} }
func (i *SetCmp) TouchedRegisters() []*Register       { return []*Register{i.Dest} }
func (i *SetCmp) CloneRegs()                          { i.Dest = i.Dest.Clone() }
func (i *SetCmp) String() string                      { return fmt.Sprintf("setcmp %s, %s", i.Cmp, i.Dest) }

// -----------------------
// ----- Push / Pop -----
// -----------------------

type Push struct {
	base
	Arg Param
}

func NewPush(arg Param) *Push             { return &Push{Arg: arg} }
func (i *Push) TouchedRegisters() []*Register { return nonNil(filterReg(i.Arg)) }
func (i *Push) CloneRegs()                 { i.Arg = cloneParam(i.Arg) }
func (i *Push) String() string             { return fmt.Sprintf("push %s", i.Arg) }

type Pop struct {
	base
	Arg Param
}

func NewPop(arg Param) *Pop                { return &Pop{Arg: arg} }
func (i *Pop) TouchedRegisters() []*Register { return nonNil(filterReg(i.Arg)) }
func (i *Pop) CloneRegs()                  { i.Arg = cloneParam(i.Arg) }
func (i *Pop) String() string              { return fmt.Sprintf("pop %s", i.Arg) }

// -----------------------------------
// ----- Prelude / Epilog / Return -----
// -----------------------------------

type Prelude struct {
	base
	Scope *ast.Scope
}

func NewPrelude(s *ast.Scope) *Prelude          { return &Prelude{Scope: s} }
func (i *Prelude) TouchedRegisters() []*Register { return nil }
func (i *Prelude) CloneRegs()                   {}
func (i *Prelude) String() string               { return "prelude" }

type Epilog struct {
	base
	Scope *ast.Scope
}

func NewEpilog(s *ast.Scope) *Epilog           { return &Epilog{Scope: s} }
func (i *Epilog) TouchedRegisters() []*Register { return nil }
func (i *Epilog) CloneRegs()                   {}
func (i *Epilog) String() string               { return "epilog" }

type Return struct {
	base
	Scope *ast.Scope
	Arg   Param // nil for void returns.
}

func NewReturn(s *ast.Scope, arg Param) *Return { return &Return{Scope: s, Arg: arg} }
func (i *Return) TouchedRegisters() []*Register { return nonNil(filterReg(i.Arg)) }
func (i *Return) CloneRegs() {
	if i.Arg != nil {
		i.Arg = cloneParam(i.Arg)
	}
}
func (i *Return) String() string { return fmt.Sprintf("return %v", i.Arg) }

// --------------
// ----- Call -----
// --------------

type Call struct {
	base
	Args   []Param
	Target Param
	Result *Register // nil if the call's value is discarded.

	// Declared is the callee's fixed parameter count. Args beyond it are
	// variadic extras; the pre-desugar pass pushes the extras first,
	// right-to-left, so the declared parameters keep static frame offsets.
	Declared int
}

func NewCall(args []Param, target Param, result *Register) *Call {
	return &Call{Args: args, Target: target, Result: result, Declared: len(args)}
}
func (i *Call) ArgSize() int {
	n := 0
	for _, a := range i.Args {
		n += a.Size()
	}
	return n
}
func (i *Call) TouchedRegisters() []*Register {
	return nonNil(filterReg(i.Target), i.Result)
}
func (i *Call) CloneRegs() {
	i.Target = cloneParam(i.Target)
	if i.Result != nil {
		i.Result = i.Result.Clone()
	}
}
func (i *Call) String() string { return fmt.Sprintf("call %s -> %v (argsize=%d)", i.Target, i.Result, i.ArgSize()) }

// --------------------------
// ----- JumpTarget / Jump -----
// --------------------------

// JumpTarget is a label. Jump and JumpTarget form the only cyclic edges in
// the IR graph; both are owned by the same flat per-object instruction
// slice and refer to each other only through this pointer, never through an
// index into a separate arena — the per-object Object.Code slice itself is
// the arena.
type JumpTarget struct {
	base
	Name string
}

var jumpTargetSeq int

func NewJumpTarget(name string) *JumpTarget {
	if name == "" {
		jumpTargetSeq++
		name = fmt.Sprintf("L%d", jumpTargetSeq)
	}
	return &JumpTarget{Name: name}
}
func (i *JumpTarget) TouchedRegisters() []*Register { return nil }
func (i *JumpTarget) CloneRegs()                    {}
func (i *JumpTarget) String() string                { return i.Name + ":" }

type Jump struct {
	base
	Target    *JumpTarget
	Condition Param // nil means unconditional.
}

func NewJump(target *JumpTarget, cond Param) *Jump { return &Jump{Target: target, Condition: cond} }
func (i *Jump) TouchedRegisters() []*Register       { return nonNil(filterReg(i.Condition)) }
func (i *Jump) CloneRegs() {
	if i.Condition != nil {
		i.Condition = cloneParam(i.Condition)
	}
}
func (i *Jump) String() string { return fmt.Sprintf("jump %s if %v", i.Target.Name, i.Condition) }

// ----------------
// ----- Resize -----
// ----------------

// Resize is a width-changing move; sign- or zero-extending depending on
// From's signedness.
type Resize struct {
	base
	From Param
	To   *Register
}

func NewResize(from Param, to *Register) *Resize { return &Resize{From: from, To: to} }
func (i *Resize) TouchedRegisters() []*Register   { return nonNil(filterReg(i.From), i.To) }
func (i *Resize) CloneRegs()                      { i.From = cloneParam(i.From); i.To = i.To.Clone() }
func (i *Resize) String() string                  { return fmt.Sprintf("resize %s -> %s", i.From, i.To) }

// -----------------------
// ----- MachineInstr -----
// -----------------------

// MachineInstr is an inline machine op from an ASM block, passed through
// the desugarer and encoder unmodified apart from register allocation.
type MachineInstr struct {
	base
	Name   string
	Sz     int
	Params []Param
}

func NewMachineInstr(name string, size int, params []Param) *MachineInstr {
	return &MachineInstr{Name: name, Sz: size, Params: params}
}
func (i *MachineInstr) TouchedRegisters() []*Register {
	var out []*Register
	for _, p := range i.Params {
		if r := filterReg(p); r != nil {
			out = append(out, r)
		}
	}
	return out
}
func (i *MachineInstr) CloneRegs() {
	for idx, p := range i.Params {
		i.Params[idx] = cloneParam(p)
	}
}
func (i *MachineInstr) String() string { return fmt.Sprintf("machine.%s %v", i.Name, i.Params) }

// Spill and Load are not real IR — they are synthesized by the allocator as
// PreInstrs and expanded to concrete push/pop + address arithmetic only at
// the encoding stage (see src/encode). They carry a physical register and
// the spill-slot variable (a spill-var-i local or global-spill-i data
// entry) rather than a virtual register.
type Spill struct {
	base
	Phys int
	Slot *ast.Variable
}

func NewSpill(phys int, slot *ast.Variable) *Spill { return &Spill{Phys: phys, Slot: slot} }
func (i *Spill) TouchedRegisters() []*Register     { return nil }
func (i *Spill) CloneRegs()                        {}
func (i *Spill) String() string                    { return fmt.Sprintf("spill r%d -> %s", i.Phys, i.Slot.Name) }

type Load struct {
	base
	Phys int
	Slot *ast.Variable
}

func NewLoad(phys int, slot *ast.Variable) *Load { return &Load{Phys: phys, Slot: slot} }
func (i *Load) TouchedRegisters() []*Register    { return nil }
func (i *Load) CloneRegs()                       {}
func (i *Load) String() string                   { return fmt.Sprintf("load %s -> r%d", i.Slot.Name, i.Phys) }
