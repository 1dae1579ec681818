package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/rendis/bpelrt/internal/deploy"
	"github.com/rendis/bpelrt/internal/expressions"
	"github.com/rendis/bpelrt/internal/extensions"
	"github.com/rendis/bpelrt/internal/validation"
	"github.com/rendis/bpelrt/pkg/schema"
)

func newValidateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate PATH",
		Short: "Check process documents without running them",
		Long: `Validate compiles PATH, a process document or a directory of them, and
runs the structural and semantic checks applied at deployment.`,
		Example: `  bpelrt validate examples/order-fulfillment/order.yaml
  bpelrt validate examples/order-fulfillment`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := newValidatingLoader(c)
			if err != nil {
				return err
			}

			var files []*deploy.File
			if info, statErr := os.Stat(args[0]); statErr == nil && info.IsDir() {
				files, err = loader.LoadDir(args[0])
			} else {
				var f *deploy.File
				if f, err = loader.LoadFile(args[0]); err == nil {
					files = append(files, f)
				}
			}
			if err != nil {
				printProblems(cmd, err)
				return errors.New("validation failed")
			}

			for _, f := range files {
				fmt.Fprintf(cmd.OutOrStdout(), "ok  %s  %s (%d activities)\n",
					f.Path, f.Process.Name, len(f.Process.Activities()))
			}
			return nil
		},
	}
}

// newValidatingLoader builds a loader that applies the deployment checks
// against the built-in expression languages and extensions.
func newValidatingLoader(c *cli) (*deploy.Loader, error) {
	exprs, err := expressions.DefaultRegistry()
	if err != nil {
		return nil, err
	}
	exts, err := extensions.NewDefaultRegistry()
	if err != nil {
		return nil, err
	}
	pv, err := validation.NewProcessValidator(exprs, exts)
	if err != nil {
		return nil, err
	}
	return deploy.NewLoader(deploy.WithValidator(pv), deploy.WithLogger(c.logger)), nil
}

// printProblems lists every error of a failed load, one per line.
func printProblems(cmd *cobra.Command, err error) {
	w := cmd.ErrOrStderr()
	for _, e := range multierr.Errors(err) {
		var se *schema.Error
		if errors.As(e, &se) {
			if list, ok := se.Details["errors"].([]schema.ValidationIssue); ok {
				for _, issue := range list {
					fmt.Fprintf(w, "  %s: %s\n", issue.Path, issue.Message)
				}
				continue
			}
		}
		fmt.Fprintf(w, "  %v\n", e)
	}
}
