package lower

// lowerPanic aborts the current coroutine's lowering with err. Lowering is
// deeply recursive (expressions nest arbitrarily) and threading an error
// return through every call would bury the real control flow in plumbing;
// a typed panic recovered at the top-level lowering entry point (see
// toplevel.go) gives the same "abort the compile with this error"
// semantics without it.
type panicError struct{ err error }

func lowerPanic(err error) { panic(panicError{err}) }

// recoverLowering turns a panicError into a returned error and re-panics
// anything else (a genuine bug, not a user-facing TypeError).
func recoverLowering(errOut *error) {
	if r := recover(); r != nil {
		if pe, ok := r.(panicError); ok {
			*errOut = pe.err
			return
		}
		panic(r)
	}
}
