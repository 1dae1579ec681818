package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/bpelrt/internal/deploy"
	"github.com/rendis/bpelrt/internal/diagram"
)

func newDiagramCommand(c *cli) *cobra.Command {
	var output, format string

	cmd := &cobra.Command{
		Use:   "diagram FILE",
		Short: "Render a process as a flowchart",
		Example: `  bpelrt diagram examples/order-fulfillment/order.yaml
  bpelrt diagram order.yaml -o order.mmd
  bpelrt diagram order.yaml --format svg -o order.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := deploy.NewLoader(deploy.WithLogger(c.logger)).LoadFile(args[0])
			if err != nil {
				return err
			}
			model, err := diagram.Build(f.Process, nil)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "mermaid":
				data = []byte(diagram.RenderMermaid(model))
			case "png", "svg":
				if data, err = diagram.RenderImage(cmd.Context(), model, diagram.Format(format)); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q; want mermaid, png or svg", format)
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			_, err = w.Write(data)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the diagram to a file instead of stdout")
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid, png or svg")
	return cmd
}
