package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/stylefang/pkg/resolver"
)

func (a *app) resolveCommand() *cobra.Command {
	var (
		from       string
		root       string
		extensions []string
	)

	cmd := &cobra.Command{
		Use:   "resolve <specifier>",
		Short: "Resolve an import reference to a file",
		Long: `Resolve an import reference the way the compiler does: verbatim, then with
each extension appended, then as a directory index.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("working directory: %w", err)
				}

				from = wd
			}

			cfg := resolver.Config{Extensions: a.cfg.Resolver.Extensions, RootDir: a.cfg.Resolver.RootDir}

			if len(extensions) > 0 {
				cfg.Extensions = extensions
			}

			if root != "" {
				cfg.RootDir = root
			}

			found, err := resolver.New(a.fs, cfg).Resolve(args[0], from)
			if err != nil {
				var nf *resolver.NotFoundError
				if errors.As(err, &nf) && a.verbose {
					for _, tried := range nf.Tried {
						a.status(cmd, color.FgYellow, "  tried %s", tried)
					}
				}

				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), found)
			if err != nil {
				return fmt.Errorf("write path: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "directory of the importing file (default: working directory)")
	cmd.Flags().StringVar(&root, "root", "", "project root for root-relative references")
	cmd.Flags().StringSliceVar(&extensions, "ext", nil, "extension fallback order, e.g. .css,.less")

	return cmd
}
