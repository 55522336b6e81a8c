// Package ir defines the infinite-virtual-register intermediate
// representation: operand kinds and the closed set of IR instructions
// emitted by the lowering stage and consumed by the desugarer, register
// allocator and encoder.
package ir

import "fmt"

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Param is any operand an IR instruction can carry: a Register, a
// Dereference, an Immediate or a DataReference.
type Param interface {
	Size() int
	String() string
	isParam()
}

// Register is a virtual register: an unbounded-supply SSA-style value
// identified by a numeric id and a width. Two registers compare equal iff
// their virtual ids match. Physical is nil until the allocator assigns a
// physical register.
type Register struct {
	ID       int
	Sz       int
	Signed   bool
	Physical *int // set in place by the allocator; nil means unallocated.
}

// Dereference wraps a register or immediate and carries the memory-access
// width independently of the inner operand's own width.
type Dereference struct {
	To Param
	Sz int
}

// Immediate is a constant value of a fixed width.
type Immediate struct {
	Val    int64
	Sz     int
	Signed bool
}

// DataReference is a symbolic reference into the compiler's data table,
// resolved only at pack time.
type DataReference struct {
	Name string
}

// MemoryLocation is an absolute byte offset into the packed image. It
// replaces DataReference and jump-target operands during the packager's
// symbol-resolution pass; no symbolic operand survives it.
type MemoryLocation struct {
	Offset int
}

// HardwareRegister names one of the machine's reserved registers directly:
// the stack pointer, base pointer, return-value register or the
// calling-convention (argsize) register. Reserved registers are never
// touched by the allocator; they appear only in desugarer and encoder
// output.
type HardwareRegister struct {
	Code int // packed operand index; see the Hw* constants.
	Sz   int
}

// ---------------------
// ----- Constants -----
// ---------------------

// Packed operand indices of the reserved registers. General-purpose
// physical registers follow at FreeRegOffset: physical register i packs as
// i + FreeRegOffset.
const (
	HwStack = iota // stack pointer.
	HwBase         // frame base pointer.
	HwRet          // return-value register.
	HwConv         // calling-convention register, holds argsize across a call.

	FreeRegOffset
)

// ---------------------
// ----- Functions -----
// ---------------------

// Stk returns the stack-pointer operand at the given access width.
func Stk(size int) *HardwareRegister { return &HardwareRegister{Code: HwStack, Sz: size} }

// Base returns the base-pointer operand at the given access width.
func Base(size int) *HardwareRegister { return &HardwareRegister{Code: HwBase, Sz: size} }

// Ret returns the return-value register operand at the given access width.
func Ret(size int) *HardwareRegister { return &HardwareRegister{Code: HwRet, Sz: size} }

// Conv returns the calling-convention register operand.
func Conv(size int) *HardwareRegister { return &HardwareRegister{Code: HwConv, Sz: size} }

// PhysRegister returns a register operand pre-bound to physical register
// phys. The allocator honours the existing binding instead of assigning one.
func PhysRegister(phys, size int) *Register {
	r := &Register{ID: -1 - phys, Sz: size}
	r.SetPhysical(phys)
	return r
}

func (r *Register) Size() int { return r.Sz }
func (d *Dereference) Size() int { return d.Sz }
func (i *Immediate) Size() int { return i.Sz }
func (d *DataReference) Size() int { return 2 }
func (h *HardwareRegister) Size() int { return h.Sz }
func (m *MemoryLocation) Size() int { return 2 }

func (*Register) isParam()         {}
func (*Dereference) isParam()      {}
func (*Immediate) isParam()        {}
func (*DataReference) isParam()    {}
func (*HardwareRegister) isParam() {}
func (*MemoryLocation) isParam()   {}

// String renders a virtual register as %N:sz.
func (r *Register) String() string {
	phys := "?"
	if r.Physical != nil {
		phys = fmt.Sprintf("r%d", *r.Physical)
	}
	return fmt.Sprintf("%%%d{%s}:%d", r.ID, phys, r.Sz)
}

func (d *Dereference) String() string {
	return fmt.Sprintf("[%s]:%d", d.To.String(), d.Sz)
}

func (i *Immediate) String() string {
	return fmt.Sprintf("#%d:%d", i.Val, i.Sz)
}

func (d *DataReference) String() string {
	return "@" + d.Name
}

func (m *MemoryLocation) String() string {
	return fmt.Sprintf("&%d", m.Offset)
}

var hwNames = [...]string{"stk", "base", "ret", "conv"}

func (h *HardwareRegister) String() string {
	if h.Code < len(hwNames) {
		return hwNames[h.Code]
	}
	return fmt.Sprintf("hw%d", h.Code)
}

// Equal reports whether two registers denote the same virtual register.
func (r *Register) Equal(o *Register) bool {
	return r != nil && o != nil && r.ID == o.ID
}

// Clone returns a shallow copy of the register with its own Physical
// pointer, so that per-instruction physical assignment during allocation
// does not alias between instructions that reference the same virtual id.
// A pre-bound register (fixed physical assignment, e.g. from an inline
// machine-instruction block) keeps its binding.
func (r *Register) Clone() *Register {
	cp := *r
	cp.Physical = nil
	if r.Physical != nil && r.ID < 0 {
		p := *r.Physical
		cp.Physical = &p
	}
	return &cp
}

// IsAllocated reports whether the allocator has assigned a physical slot.
func (r *Register) IsAllocated() bool { return r.Physical != nil }

// SetPhysical records the physical register/spill index chosen by the
// allocator.
func (r *Register) SetPhysical(p int) { r.Physical = &p }
