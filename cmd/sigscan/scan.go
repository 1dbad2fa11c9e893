package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/k2io/hookengine"
)

var (
	found   = color.New(color.FgHiGreen)
	missing = color.New(color.FgHiRed)
	dim     = color.New(color.FgWhite, color.Faint)
)

func newScanCmd() *cobra.Command {
	var coarse bool
	cmd := &cobra.Command{
		Use:   "scan FILE PATTERN...",
		Short: "Find the first match of each pattern in a file",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "read file")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", args[0], dim.Sprint(humanize.IBytes(uint64(len(data)))))
			var opts []hookengine.ScanOption
			if coarse {
				opts = append(opts, hookengine.Coarse())
			}
			misses := 0
			for _, p := range args[1:] {
				sig, err := hookengine.ParseSignature(p)
				if err != nil {
					return err
				}
				if off, ok := hookengine.ScanBytes(data, sig, opts...); ok {
					fmt.Fprintf(out, "  %s %#08x  %s\n", found.Sprint("found  "), off, p)
				} else {
					misses++
					fmt.Fprintf(out, "  %s %8s  %s\n", missing.Sprint("missing"), "-", p)
				}
			}
			if misses > 0 {
				return errors.Errorf("%d of %d patterns not found", misses, len(args)-1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&coarse, "coarse", false, "only try 4-byte aligned offsets")
	return cmd
}

func newSymbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols FILE [SUBSTRING]",
		Short: "List symbols and their image offsets",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			syms, err := hookengine.GetSymbols(args[0])
			if err != nil {
				return err
			}
			filter := ""
			if len(args) == 2 {
				filter = strings.ToLower(args[1])
			}
			names := make([]string, 0, len(syms))
			for name := range syms {
				if strings.Contains(strings.ToLower(name), filter) {
					names = append(names, name)
				}
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			for _, name := range names {
				fmt.Fprintf(out, "%#010x %s\n", syms[name], name)
			}
			fmt.Fprintln(out, dim.Sprintf("%s symbols", humanize.Comma(int64(len(names)))))
			return nil
		},
	}
}
