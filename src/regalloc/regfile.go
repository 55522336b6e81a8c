// Package regalloc assigns each virtual register a physical register from
// a fixed set of N, spilling to stack slots when the set runs dry.
package regalloc

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// RegisterFile tracks the allocation state of the machine's general
// purpose registers during one object's allocation pass. Register indices
// are 0..K-1; the reserved registers (stack, base, return, convention) are
// not part of the file and can never be handed out.
type RegisterFile struct {
	bound []int // bound[i] is the virtual register id held by physical i, or -1.
}

// ---------------------
// ----- Functions -----
// ---------------------

// NewRegisterFile creates a register file with k free registers.
func NewRegisterFile(k int) *RegisterFile {
	rf := &RegisterFile{bound: make([]int, k)}
	for i := range rf.bound {
		rf.bound[i] = -1
	}
	return rf
}

// K returns the number of usable registers, bound and unbound.
func (rf *RegisterFile) K() int { return len(rf.bound) }

// Bind records that physical register i now holds virtual register id.
func (rf *RegisterFile) Bind(i, id int) { rf.bound[i] = id }

// Free releases physical register i.
func (rf *RegisterFile) Free(i int) { rf.bound[i] = -1 }

// Holder returns the virtual register id bound to physical i, or -1.
func (rf *RegisterFile) Holder(i int) int { return rf.bound[i] }

// GetNextTempExclude returns the lowest-indexed free register whose index
// is not in excl, or -1 when every candidate is taken or excluded.
func (rf *RegisterFile) GetNextTempExclude(excl []int) int {
	for i := range rf.bound {
		if rf.bound[i] == -1 && !contains(excl, i) {
			return i
		}
	}
	return -1
}

// GetNextEvictExclude returns the lowest-indexed bound register whose index
// is not in excl, or -1 when every bound register is excluded. Picking the
// lowest index keeps allocation results identical across runs.
func (rf *RegisterFile) GetNextEvictExclude(excl []int) int {
	for i := range rf.bound {
		if rf.bound[i] != -1 && !contains(excl, i) {
			return i
		}
	}
	return -1
}

func contains(s []int, v int) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}
