package compiler

import (
	"strings"

	"github.com/sirupsen/logrus"
	"n16c/src/ast"
	"n16c/src/ir"
)

var log = logrus.StandardLogger()

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// RequestFunc is handed to a LowerFunc so that lowering can ask the driver
// for a Variable that may not exist yet. It blocks until the driver
// resolves the name (by finding it immediately or by waking this object
// once some other object declares it).
type RequestFunc func(name string) *ast.Variable

// LowerFunc lowers one top-level object into an IR buffer. It is supplied
// by the lower package; the driver only needs its request/response shape,
// not its internals — this keeps package compiler free of any dependency
// on package lower.
type LowerFunc func(req RequestFunc) (*ir.Object, error)

// Work is one schedulable top-level object: its lowering function plus the
// namespace prefix used to qualify the names it requests. ModDecl bodies
// are flattened into Work items by the lower package before Run is called.
type Work struct {
	Namespace string
	Lower     LowerFunc
}

// job is one item of work: either a fresh object to start, or a parked
// object being resumed with its requested Variable.
type job struct {
	name    string // "" for a fresh start that hasn't requested anything yet.
	state   *coro
	resumed *ast.Variable
}

// coro is the channel pair backing one object's cooperative "coroutine",
// implemented as a goroutine blocked on channel I/O between yields — at
// most one coro is ever unblocked at a time, which is what makes scheduling
// effectively single-threaded despite the use of goroutines.
type coro struct {
	namespace string
	toDriver  chan event
	toCoro    chan *ast.Variable
}

type event struct {
	request string // name requested; empty if done.
	done    bool
	obj     *ir.Object
	err     error
}

// -----------------------------
// ----- Driver entry point -----
// -----------------------------

// Run lowers every top-level object in works, resolving cross-references
// via the coroutine/name-request protocol, and fills c.CompiledObjects in
// the order the coroutines finished — the order the packager must lay code
// out in. Scheduling is deterministic: the work queue is LIFO and waiters
// are woken in the order their names were first requested.
func (c *Compiler) Run(works []Work) error {
	waiting := make(map[string][]*job)
	var waitOrder []string
	var queue []*job

	for _, w := range works {
		st := &coro{
			namespace: w.Namespace,
			toDriver:  make(chan event),
			toCoro:    make(chan *ast.Variable),
		}
		lf := w.Lower
		go func() {
			// Hold until the driver schedules this object: exactly one
			// coroutine runs between a resume and its next yield, which
			// keeps global-table and data-table mutation order (and with
			// it the final layout) deterministic.
			<-st.toCoro
			req := func(name string) *ast.Variable {
				st.toDriver <- event{request: name}
				return <-st.toCoro
			}
			obj, err := lf(req)
			st.toDriver <- event{done: true, obj: obj, err: err}
		}()
		queue = append(queue, &job{state: st})
	}

	var firstErr error

	for len(queue) > 0 {
		// LIFO: pop from the end.
		j := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		j.state.toCoro <- j.resumed

		ev := <-j.state.toDriver
		if ev.done {
			if ev.err != nil {
				if firstErr == nil {
					firstErr = ev.err
				}
				continue
			}
			if ev.obj != nil {
				log.WithFields(logrus.Fields{"phase": "driver", "object": ev.obj.Name}).
					Debug("object compiled")
				c.CompiledObjects = append(c.CompiledObjects, ev.obj)
			}
			// Wake every waiter whose name the completed object satisfied,
			// oldest requested name first.
			rest := waitOrder[:0]
			for _, name := range waitOrder {
				v, ok := c.LookupVariable(name)
				if !ok {
					rest = append(rest, name)
					continue
				}
				for _, w := range waiting[name] {
					w.resumed = v
					queue = append(queue, w)
				}
				delete(waiting, name)
			}
			waitOrder = rest
			continue
		}

		name := qualify(ev.request, j.state.namespace)
		if v, ok := c.LookupVariable(name); ok {
			queue = append(queue, &job{state: j.state, name: name, resumed: v})
			continue
		}
		if _, ok := waiting[name]; !ok {
			waitOrder = append(waitOrder, name)
		}
		waiting[name] = append(waiting[name], &job{state: j.state, name: name})
		log.WithFields(logrus.Fields{"phase": "driver", "name": name}).
			Debug("object parked on unresolved name")
	}

	if firstErr != nil {
		return firstErr
	}

	if len(waiting) > 0 {
		names := make([]string, 0, len(waitOrder))
		names = append(names, waitOrder...)
		return &UnresolvedReferenceError{Names: names}
	}
	return nil
}

// qualify applies the namespace-qualification rule: a name beginning with
// ".." is looked up literally in globals; otherwise the requester's
// namespace prefix is prepended.
func qualify(name, namespace string) string {
	if strings.HasPrefix(name, "..") {
		return strings.TrimPrefix(name, "..")
	}
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}
