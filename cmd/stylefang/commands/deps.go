package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/stylefang/pkg/asset"
	"github.com/Sumatoshi-tech/stylefang/pkg/stylesheet"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"

	kindImport = "import"
	kindURL    = "url"
)

// ErrUnknownFormat is returned for an unsupported --format value.
var ErrUnknownFormat = errors.New("unknown output format")

type depsReport struct {
	Asset        string             `json:"asset"        yaml:"asset"`
	Dependencies []asset.Dependency `json:"dependencies" yaml:"dependencies"`
}

func (a *app) depsCommand() *cobra.Command {
	var (
		format string
		root   string
	)

	cmd := &cobra.Command{
		Use:   "deps <file>",
		Short: "List the dependencies of a stylesheet",
		Long: `Compile a stylesheet and list every file it depends on: imports inlined
into the output and url() references rewritten in it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case formatTable, formatJSON, formatYAML:
			default:
				return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
			}

			opts := a.buildOptions()
			if root != "" {
				opts.RootDir = root
			}

			out, err := stylesheet.CompileFile(cmd.Context(), args[0], opts, a.providers.Metrics)
			if err != nil {
				return err
			}

			return writeDeps(cmd.OutOrStdout(), format, depsReport{Asset: out.Asset, Dependencies: out.Dependencies})
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "output format: table, json or yaml")
	cmd.Flags().StringVar(&root, "root", "", "project root for root-relative references")

	return cmd
}

func writeDeps(w io.Writer, format string, report depsReport) error {
	var (
		data []byte
		err  error
	)

	switch format {
	case formatJSON:
		data, err = json.MarshalIndent(report, "", "  ")
		data = append(data, '\n')
	case formatYAML:
		data, err = yaml.Marshal(report)
	default:
		data = []byte(depsTable(report) + "\n")
	}

	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write dependencies: %w", err)
	}

	return nil
}

func depsTable(report depsReport) string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.SetTitle(report.Asset)
	tbl.AppendHeader(table.Row{"#", "Kind", "Reference", "Resolved", "From"})

	for i, dep := range report.Dependencies {
		kind := kindImport
		if dep.URL {
			kind = kindURL
		}

		tbl.AppendRow(table.Row{i + 1, kind, dep.Name, dep.Resolved, dep.From})
	}

	tbl.AppendFooter(table.Row{"", "", fmt.Sprintf("Total: %d", len(report.Dependencies))})

	return tbl.Render()
}
