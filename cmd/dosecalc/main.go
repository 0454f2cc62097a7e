// Package main provides dosecalc, a command line front end to the dosing
// engine for formulary authors and scripted checks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crivet/dose-engine/internal/domain/profile"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command
type options struct {
	catalogDir string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "dosecalc",
		Short:        "Veterinary dose calculation and safety checks",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.catalogDir, "catalog-dir", "", "Read profiles from this directory instead of the built-in catalog")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log catalog loading")

	root.AddCommand(evaluateCmd(opts))
	root.AddCommand(protocolCmd(opts))
	root.AddCommand(drugsCmd(opts))
	root.AddCommand(lintCmd(opts))
	root.AddCommand(catalogCmd(opts))
	root.AddCommand(auditCmd())
	return root
}

func (o *options) logger() *zap.Logger {
	if !o.verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func (o *options) source() profile.Source {
	if o.catalogDir != "" {
		return profile.DirSource{Dir: o.catalogDir}
	}
	return profile.EmbeddedSource{}
}

func (o *options) load(ctx context.Context) (*profile.Repository, error) {
	return profile.Load(ctx, o.source(), o.logger())
}

// readInput decodes JSON from the named file, or stdin for "" and "-"
func readInput(cmd *cobra.Command, args []string, v any) error {
	var r io.Reader = cmd.InOrStdin()
	if len(args) > 0 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
