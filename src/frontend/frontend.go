// Package frontend declares the hook through which the parser collaborator
// hands the compiler its input. The grammar, lexer and AST builder are not
// part of this module: a front end links against it and installs Parse
// before invoking the CLI, receiving in return the typed statement list
// contract defined by package ast.
package frontend

import (
	"errors"

	"n16c/src/ast"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// ParseFunc turns source text into the top-level statement list the
// compilation driver consumes. Every node must carry source-location
// metadata sufficient for error reporting.
type ParseFunc func(src string) ([]ast.Statement, error)

// -------------------
// ----- Globals -----
// -------------------

// Parse is installed by the front-end collaborator.
var Parse ParseFunc

// ---------------------
// ----- Functions -----
// ---------------------

// ParseSource invokes the installed front end.
func ParseSource(src string) ([]ast.Statement, error) {
	if Parse == nil {
		return nil, errors.New("no front end registered: the parser collaborator must install frontend.Parse")
	}
	return Parse(src)
}
