package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"n16c/src/compiler"
	"n16c/src/frontend"
	"n16c/src/lower"
	"n16c/src/pack"
	"n16c/src/util"
)

// run executes the compiler stages over one source file. Behaviour is
// defined by the util.Options structure.
func run(opt util.Options) error {
	src, err := util.ReadSource(opt)
	if err != nil {
		return fmt.Errorf("could not read source code: %w", err)
	}

	stmts, err := frontend.ParseSource(src)
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}

	c := compiler.New()
	works, err := lower.PlanWork(c, stmts)
	if err != nil {
		return err
	}
	if err := c.Run(works); err != nil {
		return err
	}

	if opt.DumpIR {
		for _, obj := range c.CompiledObjects {
			fmt.Println(obj.String())
		}
	}

	img, err := pack.BuildImage(opt, c)
	if err != nil {
		return err
	}

	if opt.DumpHW {
		fmt.Print(img.Listing)
	}
	if opt.DumpSymbols {
		names := make([]string, 0, len(img.Symbols))
		for n := range img.Symbols {
			names = append(names, n)
		}
		sort.Slice(names, func(i, j int) bool { return img.Symbols[names[i]] < img.Symbols[names[j]] })
		for _, n := range names {
			fmt.Printf("%5d  %s\n", img.Symbols[n], n)
		}
	}

	return util.WriteImage(opt, img.Bytes)
}

func main() {
	opt := util.Options{}

	cmd := &cobra.Command{
		Use:   "n16c <source>",
		Short: "n16c compiles a typed imperative source language to bytecode for a 16-bit register VM",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if len(args) > 0 {
				opt.Src = args[0]
			}
			opt.Normalize()
			if opt.Verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return run(opt)
		},
	}

	cmd.Flags().StringVarP(&opt.Out, "out", "o", "", "path of the output binary image (stdout if omitted)")
	cmd.Flags().IntVarP(&opt.Threads, "threads", "t", 1, "worker threads for the back-end passes")
	cmd.Flags().IntVar(&opt.Registers, "registers", util.DefaultRegisters, "number of allocatable physical registers")
	cmd.Flags().BoolVar(&opt.DumpIR, "dump-ir", false, "dump each compiled object's IR")
	cmd.Flags().BoolVar(&opt.DumpHW, "dump-hw", false, "dump the encoded hardware instructions")
	cmd.Flags().BoolVar(&opt.DumpSymbols, "dump-symbols", false, "dump the symbol offset map")
	cmd.Flags().BoolVarP(&opt.Verbose, "verbose", "v", false, "log per-phase progress")

	cmd.SilenceErrors = true
	if err := cmd.Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
