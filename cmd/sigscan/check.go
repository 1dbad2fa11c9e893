package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/k2io/hookengine"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check HOOKLIST FILE",
		Short: "Resolve every entry of a hook list against a module file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := hookengine.LoadEntriesFile(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return errors.Wrap(err, "read module")
			}
			var syms map[string]uintptr
			out := cmd.OutOrStdout()
			bad := 0
			for _, e := range entries {
				where, err := locate(e, data, args[1], &syms)
				if err != nil {
					bad++
					fmt.Fprintf(out, "%s %-24s %v\n", missing.Sprint("FAIL"), e.Name, err)
					continue
				}
				fmt.Fprintf(out, "%s %-24s %s\n", found.Sprint("ok  "), e.Name, where)
			}
			if bad > 0 {
				return errors.Errorf("%d of %d hooks did not resolve", bad, len(entries))
			}
			return nil
		},
	}
}

// locate finds an entry in the module file, by pattern over the raw bytes
// or by symbol.
func locate(e hookengine.Entry, data []byte, path string, syms *map[string]uintptr) (string, error) {
	for _, p := range e.Pattern {
		sig, err := hookengine.ParseSignature(p)
		if err != nil {
			return "", err
		}
		if off, ok := hookengine.ScanBytes(data, sig); ok {
			return fmt.Sprintf("file offset %#x%+d", off, e.Offset), nil
		}
	}
	if e.Symbol == "" {
		return "", errors.New("no pattern matched")
	}
	if *syms == nil {
		s, err := hookengine.GetSymbols(path)
		if err != nil {
			return "", err
		}
		*syms = s
	}
	off, ok := (*syms)[e.Symbol]
	if !ok {
		return "", errors.Errorf("no symbol %q", e.Symbol)
	}
	return fmt.Sprintf("rva %#x%+d", off, e.Offset), nil
}
