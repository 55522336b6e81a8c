package regalloc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"n16c/src/ast"
	"n16c/src/compiler"
	"n16c/src/ir"
	"n16c/src/types"
	"n16c/src/util"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// vstate is the allocation state of one virtual register.
type vstate uint

const (
	stateEmpty vstate = iota
	stateAllocated
	stateSpilled
)

// vreg tracks where a virtual register currently lives.
type vreg struct {
	state vstate
	phys  int
	slot  int
}

// allocator is the per-object allocation pass state.
type allocator struct {
	obj *ir.Object
	c   *compiler.Compiler
	rf  *RegisterFile

	state map[int]*vreg

	// The spill slot table is a list with holes: a false entry marks a
	// free slot that the next spill reuses before the table grows.
	slots    []bool
	slotVars []*ast.Variable
}

// -------------------
// ----- Globals -----
// -------------------

var log = logrus.StandardLogger()

// ---------------------
// ----- Functions -----
// ---------------------

// AllocateAll runs register allocation over every compiled object. With
// opt.Threads > 1 the objects are split across worker go routines; the
// per-object buffers are independent, so the parallel path assigns the
// same registers and spill slots as the sequential one. Toplevel objects'
// global spill variables are named and added to the data table in the
// order the workers reach them.
func AllocateAll(opt util.Options, c *compiler.Compiler) error {
	objs := c.CompiledObjects
	if opt.Threads > 1 && len(objs) > 1 {
		t := opt.Threads
		if t > len(objs) {
			t = len(objs)
		}
		n := (len(objs) + t - 1) / t

		perr := util.NewPerror()
		wg := sync.WaitGroup{}

		for start := 0; start < len(objs); start += n {
			end := start + n
			if end > len(objs) {
				end = len(objs)
			}
			wg.Add(1)

			go func(start, end int) {
				defer wg.Done()
				for _, e1 := range objs[start:end] {
					perr.Append(Allocate(e1, c, opt.Registers))
				}
			}(start, end)
		}

		wg.Wait()
		perr.Stop()
		return perr.ErrorOrNil()
	}

	for _, e1 := range objs {
		if err := Allocate(e1, c, opt.Registers); err != nil {
			return err
		}
	}
	return nil
}

// Allocate assigns every virtual register in obj a physical register from
// a file of k, inserting spill and load pre-instructions where the file
// runs dry. Spill slots become spill-var-i locals in the object's frame-top
// scope, or global-spill-i data entries for toplevel objects.
func Allocate(obj *ir.Object, c *compiler.Compiler, k int) error {
	markLastUses(obj)

	a := &allocator{
		obj:   obj,
		c:     c,
		rf:    NewRegisterFile(k),
		state: make(map[int]*vreg),
	}

	for _, instr := range obj.Code {
		if err := a.instruction(instr); err != nil {
			return err
		}
	}

	obj.SpillSlots = len(a.slotVars)
	if obj.SpillSlots > 0 {
		log.WithFields(logrus.Fields{"phase": "regalloc", "object": obj.Name, "slots": obj.SpillSlots}).
			Debug("object spilled")
	}
	recordUsedRegisters(obj)
	return nil
}

// markLastUses is the backward liveness pass: the first time a virtual
// register is observed scanning the code in reverse is its last use.
func markLastUses(obj *ir.Object) {
	seen := make(map[int]bool)
	for i := len(obj.Code) - 1; i >= 0; i-- {
		instr := obj.Code[i]
		for _, r := range instr.TouchedRegisters() {
			if r.ID < 0 || seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			instr.AddClosing(r)
		}
	}
}

// instruction allocates the registers one instruction touches and frees
// the ones whose last use it is.
func (a *allocator) instruction(instr ir.Instruction) error {
	// Clone operand registers so the physical assignment recorded here
	// never aliases another instruction referencing the same virtual id.
	instr.CloneRegs()

	// Fixed bindings from inline machine-instruction blocks claim their
	// register up front: whatever virtual register holds it is spilled
	// before any of this instruction's own bindings are made.
	var excl []int
	touched := instr.TouchedRegisters()
	for _, r := range touched {
		if r.ID >= 0 {
			continue
		}
		phys := *r.Physical
		if phys < a.rf.K() {
			if held := a.rf.Holder(phys); held >= 0 {
				if instrTouches(touched, held) {
					return fmt.Errorf("internal compiler error: instruction %q pins register r%d while an operand lives there", instr, phys)
				}
				a.spill(instr, held)
			}
		}
		excl = append(excl, phys)
	}

	for _, r := range touched {
		if r.ID < 0 {
			continue
		}

		st := a.stateOf(r.ID)
		switch st.state {
		case stateAllocated:
			// Reuse the existing binding.

		case stateSpilled:
			phys, err := a.takeRegister(instr, excl)
			if err != nil {
				return err
			}
			a.slots[st.slot] = false
			instr.InsertPreInstrs(ir.NewLoad(phys, a.slotVars[st.slot]))
			st.state = stateAllocated
			st.phys = phys
			a.rf.Bind(phys, r.ID)

		case stateEmpty:
			phys, err := a.takeRegister(instr, excl)
			if err != nil {
				return err
			}
			st.state = stateAllocated
			st.phys = phys
			a.rf.Bind(phys, r.ID)
		}

		r.SetPhysical(st.phys)
		excl = append(excl, st.phys)
	}

	for id := range instr.ClosingRegisters() {
		a.release(id)
	}
	return nil
}

func instrTouches(regs []*ir.Register, id int) bool {
	for _, r := range regs {
		if r.ID == id {
			return true
		}
	}
	return false
}

// takeRegister picks a free physical register, evicting a bound one to a
// spill slot when none is free. Registers already bound within the current
// instruction are excluded; if every register is excluded the instruction
// itself demands more registers than the machine has.
func (a *allocator) takeRegister(instr ir.Instruction, excl []int) (int, error) {
	if phys := a.rf.GetNextTempExclude(excl); phys >= 0 {
		return phys, nil
	}
	phys := a.rf.GetNextEvictExclude(excl)
	if phys < 0 {
		return 0, fmt.Errorf("internal compiler error: instruction %q touches more than %d registers", instr, a.rf.K())
	}
	a.spill(instr, a.rf.Holder(phys))
	return phys, nil
}

// spill moves the virtual register id out of its physical register into a
// spill slot, emitting the store as a pre-instruction on instr.
func (a *allocator) spill(instr ir.Instruction, id int) {
	st := a.state[id]
	slot := a.takeSlot()
	instr.InsertPreInstrs(ir.NewSpill(st.phys, a.slotVars[slot]))
	a.rf.Free(st.phys)
	st.state = stateSpilled
	st.slot = slot
}

// release frees whatever the virtual register id holds: its physical
// register or its spill slot.
func (a *allocator) release(id int) {
	st, ok := a.state[id]
	if !ok {
		return
	}
	switch st.state {
	case stateAllocated:
		a.rf.Free(st.phys)
	case stateSpilled:
		a.slots[st.slot] = false
	}
	st.state = stateEmpty
}

func (a *allocator) stateOf(id int) *vreg {
	st, ok := a.state[id]
	if !ok {
		st = &vreg{}
		a.state[id] = st
	}
	return st
}

// takeSlot reuses the lowest free slot index or grows the table, creating
// the backing spill variable for new indices.
func (a *allocator) takeSlot() int {
	for i, used := range a.slots {
		if !used {
			a.slots[i] = true
			return i
		}
	}
	i := len(a.slots)
	a.slots = append(a.slots, true)
	a.slotVars = append(a.slotVars, a.newSpillVar(i))
	return i
}

// newSpillVar reserves an 8-byte local (or data entry, at toplevel) backing
// spill slot i.
func (a *allocator) newSpillVar(i int) *ast.Variable {
	t := types.NewInt(8, false)
	if a.obj.TopScope != nil {
		return a.obj.TopScope.DeclareLocal(fmt.Sprintf("spill-var-%d", i), t)
	}
	v := a.c.AddBytes(a.c.UniqueName("global-spill"), make([]byte, 8))
	v.Type = t
	return v
}

// recordUsedRegisters walks the allocated code attributing every physical
// register to the innermost scope active where it is used, so the
// desugarer knows what each Prelude must save. Epilogs emitted on early
// return paths make a scope close more than once; only the first close
// pops the scope stack.
func recordUsedRegisters(obj *ir.Object) {
	used := make(map[*ast.Scope]map[int]bool)
	var stack []*ast.Scope

	touch := func(phys int) {
		if len(stack) == 0 {
			return
		}
		top := stack[len(stack)-1]
		if used[top] == nil {
			used[top] = make(map[int]bool)
		}
		used[top][phys] = true
	}

	for _, instr := range obj.Code {
		switch in := instr.(type) {
		case *ir.Prelude:
			stack = append(stack, in.Scope)
			continue
		case *ir.Epilog:
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == in.Scope {
					stack = stack[:i]
					break
				}
			}
			continue
		}
		for _, pre := range instr.PreInstrs() {
			switch p := pre.(type) {
			case *ir.Spill:
				touch(p.Phys)
			case *ir.Load:
				touch(p.Phys)
			}
		}
		for _, r := range instr.TouchedRegisters() {
			if r.Physical != nil {
				touch(*r.Physical)
			}
		}
	}

	for scope, set := range used {
		regs := make([]int, 0, len(set))
		for phys := range set {
			regs = append(regs, phys)
		}
		sort.Ints(regs)
		scope.UsedHWRegs = regs
	}
}
