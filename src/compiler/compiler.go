// Package compiler implements the compilation driver: the suspendable
// scheduler that resolves forward references between top-level
// declarations via a name-request protocol, plus the Compiler value that
// holds the global name table, the data table and the resolution-ordered
// list of compiled objects.
package compiler

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"n16c/src/ast"
	"n16c/src/ir"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// DataEntry is one slot of the compiler's data table: either raw bytes or a
// list of Variables that become a pointer array at pack time.
type DataEntry struct {
	Bytes []byte
	Vars  []*ast.Variable // mutually exclusive with Bytes.
}

// Compiler is the threaded-through compilation state; there is no
// package-level singleton.
type Compiler struct {
	sync.Mutex // guards Vars/Data/DataIndex; driver and coroutine handoffs are
	// single-threaded in practice, but table readers from a parallel
	// back-end pass may still consult Vars, hence the embedded mutex.

	Vars      map[string]*ast.Variable
	Data      []DataEntry
	DataIndex map[string]int

	CompiledObjects []*ir.Object

	uniqueCounter int
}

// New creates an empty Compiler.
func New() *Compiler {
	return &Compiler{
		Vars:      make(map[string]*ast.Variable),
		DataIndex: make(map[string]int),
	}
}

// ---------------------
// ----- Functions -----
// ---------------------

// LookupVariable returns a global variable by fully-qualified name.
func (c *Compiler) LookupVariable(name string) (*ast.Variable, bool) {
	c.Lock()
	defer c.Unlock()
	v, ok := c.Vars[name]
	return v, ok
}

// DeclareGlobal registers a global variable, raising Redeclaration if name
// already exists with a different type.
func (c *Compiler) DeclareGlobal(v *ast.Variable) error {
	c.Lock()
	defer c.Unlock()
	if existing, ok := c.Vars[v.Name]; ok {
		if !existing.Type.Equal(v.Type) {
			return &RedeclarationError{Name: v.Name, First: existing.Type, Second: v.Type}
		}
		return nil
	}
	c.Vars[v.Name] = v
	return nil
}

// AddBytes appends a raw data entry and returns a Variable that references
// it via DataReference.
func (c *Compiler) AddBytes(name string, data []byte) *ast.Variable {
	c.Lock()
	defer c.Unlock()
	idx := len(c.Data)
	c.Data = append(c.Data, DataEntry{Bytes: data})
	c.DataIndex[name] = idx
	return &ast.Variable{Name: name, GlobalOffset: &ast.DataReference{Name: name}}
}

// AddArray appends a list of Variables as a pointer-array data entry.
func (c *Compiler) AddArray(name string, elems []*ast.Variable) *ast.Variable {
	c.Lock()
	defer c.Unlock()
	idx := len(c.Data)
	c.Data = append(c.Data, DataEntry{Vars: elems})
	c.DataIndex[name] = idx
	return &ast.Variable{Name: name, GlobalOffset: &ast.DataReference{Name: name}}
}

// UniqueName returns a fresh, compiler-wide unique identifier built from
// prefix, suitable for hidden locals (array-literal backing storage,
// spill-var names, synthetic labels).
func (c *Compiler) UniqueName(prefix string) string {
	c.Lock()
	defer c.Unlock()
	c.uniqueCounter++
	return fmt.Sprintf("%s-%d", prefix, c.uniqueCounter)
}

// ----------------------
// ----- Error types -----
// ----------------------

// RedeclarationError is raised immediately at the declaration site when a
// name is declared twice with different types.
type RedeclarationError struct {
	Name         string
	First, Second fmt.Stringer
}

func (e *RedeclarationError) Error() string {
	return fmt.Sprintf("redeclaration of %q: first declared as %s, now as %s", e.Name, e.First, e.Second)
}

// UnresolvedReferenceError aggregates every name that was still on the
// waiting list when the work queue emptied.
type UnresolvedReferenceError struct {
	Names []string
}

func (e *UnresolvedReferenceError) Error() string {
	var merr *multierror.Error
	for _, n := range e.Names {
		merr = multierror.Append(merr, fmt.Errorf("waiting on name %q which never appeared", n))
	}
	return merr.Error()
}
