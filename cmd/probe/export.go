package main

import (
	"fmt"

	"github.com/23skdu/longbow-probe/internal/arrow_client"
	"github.com/23skdu/longbow-probe/internal/direction"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/spf13/cobra"
)

type exportOptions struct {
	Out     string
	RunID   string
	Flight  bool
	Dataset string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &exportOptions{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export directions as Arrow IPC or push them over Arrow Flight",
		Long: `Export the directions of a stored run, or freshly extracted directions at
the configured layers, to an Arrow IPC file and/or an Arrow Flight server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "Arrow IPC output file")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "stored run to export (default: extract now)")
	cmd.Flags().BoolVar(&opts.Flight, "flight", false, "push directions to the configured Flight server")
	cmd.Flags().StringVar(&opts.Dataset, "dataset", arrow_client.DefaultDataset, "Flight descriptor path")

	return cmd
}

func runExport(cmd *cobra.Command, rootOpts *RootOptions, opts *exportOptions) error {
	if opts.Out == "" && !opts.Flight {
		return fmt.Errorf("nothing to do: set --out and/or --flight")
	}

	dirs, err := exportDirections(cmd, rootOpts, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if opts.Out != "" {
		if err := arrow_client.WriteIPCFile(opts.Out, dirs); err != nil {
			return err
		}
		metrics.RecordExport("ipc", len(dirs))
		fmt.Fprintf(out, "wrote %d directions to %s\n", len(dirs), opts.Out)
	}

	if opts.Flight {
		fc, err := arrow_client.NewFlightClient(rootOpts.Probe.Flight.Host, rootOpts.Probe.Flight.Port)
		if err != nil {
			return err
		}
		fc.Dataset = opts.Dataset
		if err := push(cmd, fc, dirs); err != nil {
			return err
		}
		fmt.Fprintf(out, "sent %d directions to %s\n", len(dirs), fc.Addr())
	}
	return nil
}

func push(cmd *cobra.Command, sink arrow_client.VectorSink, dirs []*direction.Direction) error {
	if err := sink.Connect(cmd.Context()); err != nil {
		return err
	}
	defer sink.Close()
	return sink.DoPut(cmd.Context(), dirs)
}

func exportDirections(cmd *cobra.Command, rootOpts *RootOptions, opts *exportOptions) ([]*direction.Direction, error) {
	if opts.RunID != "" {
		st, err := rootOpts.openStore()
		if err != nil {
			return nil, err
		}
		defer st.Close()
		dirs, err := st.ListDirections(cmd.Context(), opts.RunID)
		if err != nil {
			return nil, err
		}
		if len(dirs) == 0 {
			return nil, fmt.Errorf("run %s has no directions", opts.RunID)
		}
		return dirs, nil
	}

	m, tok, err := rootOpts.modelAndTokenizer()
	if err != nil {
		return nil, err
	}
	byLayer, _, err := newExtractor(rootOpts, m, tok).ExtractAll(cmd.Context(), contrastOf(rootOpts), rootOpts.Probe.Layers)
	if err != nil {
		return nil, err
	}
	if len(byLayer) == 0 {
		return nil, fmt.Errorf("no layer produced a direction")
	}
	dirs := make([]*direction.Direction, 0, len(byLayer))
	for _, l := range direction.SortedLayers(byLayer) {
		dirs = append(dirs, byLayer[l])
	}
	return dirs, nil
}
