package util

import (
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// perror provides a structure for listening for errors reported from
// parallel worker threads. Workers send on a channel rather than locking a
// shared accumulator; a single listener goroutine folds everything it
// receives into one multierror.
type perror struct {
	listen     chan error // Channel for receiving error messages from worker threads.
	done       chan struct{}
	errors     *multierror.Error
	sync.Mutex // For synchronising the listener's writes with readers.
}

// -------------------
// ----- Globals -----
// -------------------

// ---------------------
// ----- Functions -----
// ---------------------

// NewPerror returns a pointer to a running perror listener.
func NewPerror() *perror {
	pe := perror{
		listen: make(chan error),
		done:   make(chan struct{}),
	}
	go pe.run()
	return &pe
}

// run folds errors off the listen channel until Stop closes it.
func (pe *perror) run() {
	defer close(pe.done)
	for err := range pe.listen {
		pe.Lock()
		pe.errors = multierror.Append(pe.errors, err)
		pe.Unlock()
	}
}

// Len returns the number of buffered errors.
func (pe *perror) Len() int {
	pe.Lock()
	defer pe.Unlock()
	if pe.errors == nil {
		return 0
	}
	return pe.errors.Len()
}

// Stop shuts the listener down and waits for it to finish folding every
// reported error. Must be called exactly once, after all workers are done
// appending; reads are only accurate after Stop returns.
func (pe *perror) Stop() {
	close(pe.listen)
	<-pe.done
}

// Append sends the error message err to the error listener. <nil> errors
// are ignored.
func (pe *perror) Append(err error) {
	if err != nil {
		pe.listen <- err
	}
}

// ErrorOrNil returns the accumulated errors as one error value, or <nil>
// if no worker reported anything.
func (pe *perror) ErrorOrNil() error {
	pe.Lock()
	defer pe.Unlock()
	return pe.errors.ErrorOrNil()
}
