// Package pack lays the compiled program out as a flat image, resolves
// every symbolic reference to an absolute byte offset, and emits the final
// byte stream.
package pack

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"n16c/src/compiler"
	"n16c/src/desugar"
	"n16c/src/encode"
	"n16c/src/ir"
	"n16c/src/regalloc"
	"n16c/src/types"
	"n16c/src/util"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Image is the packed program: the byte stream the VM executes from offset
// 0, and the symbol map of every data entry, function and jump target.
type Image struct {
	Bytes   []byte
	Symbols map[string]int

	// Listing is the -dump-hw rendering of the laid-out instruction
	// stream; empty unless requested.
	Listing string
}

// -------------------
// ----- Globals -----
// -------------------

var log = logrus.StandardLogger()

// ---------------------
// ----- Functions -----
// ---------------------

// BuildImage runs the whole back end over the compiled objects: desugaring,
// register allocation, encoding, layout, symbol resolution and assembly.
func BuildImage(opt util.Options, c *compiler.Compiler) (*Image, error) {
	for _, obj := range c.CompiledObjects {
		if err := desugar.Pre(obj); err != nil {
			return nil, err
		}
	}
	if err := regalloc.AllocateAll(opt, c); err != nil {
		return nil, err
	}
	for _, obj := range c.CompiledObjects {
		if err := desugar.Post(obj); err != nil {
			return nil, err
		}
	}
	return Pack(opt, c)
}

// Pack encodes each object and lays out the image: the startup jump, the
// program-data region, the toplevel-code region and each function's code in
// compiled order. One resolution pass then replaces every symbolic operand
// with its absolute offset.
func Pack(opt util.Options, c *compiler.Compiler) (*Image, error) {
	var toplevel []*encode.Instruction
	type fn struct {
		name string
		code []*encode.Instruction
	}
	var funcs []fn

	for _, obj := range c.CompiledObjects {
		code, err := encode.Object(obj)
		if err != nil {
			return nil, err
		}
		encode.ExpandImmediates(c, code)
		if obj.Func == nil {
			toplevel = append(toplevel, code...)
		} else {
			funcs = append(funcs, fn{name: obj.Name, code: code})
		}
	}

	startup := &encode.Instruction{
		Group: encode.GroupManip, Op: encode.ManipJmp, Sz: types.PointerSize,
		Args: []ir.Param{&ir.Immediate{Val: 1, Sz: types.PointerSize}, &ir.DataReference{Name: "toplevel-code"}},
	}

	stks := &encode.Instruction{Group: encode.GroupMem, Op: encode.MemStks, Sz: types.PointerSize, Args: []ir.Param{&ir.Immediate{Val: 0, Sz: types.PointerSize}}}
	callMain := &encode.Instruction{Group: encode.GroupMem, Op: encode.MemCall, Sz: types.PointerSize, Args: []ir.Param{&ir.DataReference{Name: "main"}}}
	halt := &encode.Instruction{Group: encode.GroupManip, Op: encode.ManipHalt, Sz: types.PointerSize}

	topRegion := make([]*encode.Instruction, 0, len(toplevel)+3)
	topRegion = append(topRegion, stks)
	topRegion = append(topRegion, toplevel...)
	topRegion = append(topRegion, callMain, halt)

	// Layout. Offsets are contiguous with no gaps: startup jump, data
	// entries in insertion order, toplevel code, then functions.
	symbols := make(map[string]int)
	off := startup.ByteSize()

	dataNames := make([]string, len(c.Data))
	for name, idx := range c.DataIndex {
		dataNames[idx] = name
	}
	for idx, entry := range c.Data {
		symbols[dataNames[idx]] = off
		if entry.Vars != nil {
			off += types.PointerSize * len(entry.Vars)
		} else {
			off += len(entry.Bytes)
		}
	}

	symbols["toplevel-code"] = off
	for _, in := range topRegion {
		if in.Label != "" {
			symbols[in.Label] = off
			continue
		}
		off += in.ByteSize()
	}

	for _, f := range funcs {
		symbols[f.name] = off
		for _, in := range f.code {
			if in.Label != "" {
				symbols[in.Label] = off
				continue
			}
			off += in.ByteSize()
		}
	}

	total := off
	stks.Args[0] = &ir.Immediate{Val: int64(total + types.PointerSize), Sz: types.PointerSize}

	// Symbol resolution: one pass over every instruction and data-region
	// pointer entry. Unresolved names are collected and reported together.
	missing := map[string]bool{}
	all := make([]*encode.Instruction, 0, 1+len(topRegion))
	all = append(all, startup)
	all = append(all, topRegion...)
	for _, f := range funcs {
		all = append(all, f.code...)
	}
	for _, in := range all {
		for i, a := range in.Args {
			in.Args[i] = resolveParam(a, symbols, missing)
		}
	}

	data := make([]byte, 0)
	for _, entry := range c.Data {
		if entry.Vars == nil {
			data = append(data, entry.Bytes...)
			continue
		}
		for _, v := range entry.Vars {
			name := v.Name
			if v.GlobalOffset != nil {
				name = v.GlobalOffset.Name
			}
			loc, ok := symbols[name]
			if !ok {
				missing[name] = true
				continue
			}
			data = append(data, byte(loc), byte(loc>>8))
		}
	}

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		var merr *multierror.Error
		for _, n := range names {
			if n == "main" {
				merr = multierror.Append(merr, fmt.Errorf("program has no main function"))
				continue
			}
			merr = multierror.Append(merr, fmt.Errorf("internal compiler error: symbol %q was never laid out", n))
		}
		return nil, merr.ErrorOrNil()
	}

	// Assembly: startup jump, raw data region, then the instruction
	// stream in layout order.
	image := make([]byte, 0, total)
	b, err := Assemble([]*encode.Instruction{startup})
	if err != nil {
		return nil, err
	}
	image = append(image, b...)
	image = append(image, data...)
	rest := all[1:]
	b, err = Assemble(rest)
	if err != nil {
		return nil, err
	}
	image = append(image, b...)

	if len(image) != total {
		return nil, fmt.Errorf("internal compiler error: layout predicted %d bytes, assembled %d", total, len(image))
	}

	log.WithFields(logrus.Fields{"phase": "pack", "bytes": total, "symbols": len(symbols)}).
		Debug("image packed")

	img := &Image{Bytes: image, Symbols: symbols}
	if opt.DumpHW {
		sb := strings.Builder{}
		for _, in := range all {
			sb.WriteString(in.String())
			sb.WriteRune('\n')
		}
		img.Listing = sb.String()
	}
	return img, nil
}

// resolveParam replaces DataReference operands, and DataReference operands
// inside a Dereference, with the absolute location from the symbol table.
func resolveParam(p ir.Param, symbols map[string]int, missing map[string]bool) ir.Param {
	switch v := p.(type) {
	case *ir.DataReference:
		loc, ok := symbols[v.Name]
		if !ok {
			missing[v.Name] = true
			return p
		}
		return &ir.MemoryLocation{Offset: loc}
	case *ir.Dereference:
		return &ir.Dereference{To: resolveParam(v.To, symbols, missing), Sz: v.Sz}
	}
	return p
}
