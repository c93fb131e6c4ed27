package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/graph"
)

// offlineGraph decodes a graph using only the component repository.
func offlineGraph(ctx context.Context, path string) (*graph.Graph, error) {
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	repo, err := newRepository(cfg, logger)
	if err != nil {
		return nil, err
	}
	reg := component.NewRegistry(component.WithLogger(logger))
	if _, err := repo.LoadInto(ctx, reg); err != nil {
		return nil, err
	}
	return readGraph(path, reg)
}

var validateCmd = &cobra.Command{
	Use:   "validate <graph.yaml>",
	Short: "Check a graph for structural problems without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := offlineGraph(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := g.Validate(); err != nil {
			printErr(cmd.ErrOrStderr(), "", err)
			return fmt.Errorf("%s is invalid", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d nodes, %d edges, ok\n", args[0], g.Len(), len(g.Edges()))
		return nil
	},
}

var checksumCmd = &cobra.Command{
	Use:   "checksum <graph.yaml>",
	Short: "Print the content digest of a graph's canonical encoding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := offlineGraph(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		sum, err := graph.Checksum(g)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sum.String())
		return nil
	},
}

var componentsCmd = &cobra.Command{
	Use:   "components",
	Short: "List components in the local repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		repo, err := newRepository(cfg, logger)
		if err != nil {
			return err
		}
		descs, err := repo.List(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tVERSION\tLIFECYCLE\tCAPABILITIES\tDIGEST")
		for _, d := range descs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.Version, d.Lifecycle, len(d.Capabilities), d.Digest.String())
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(validateCmd, checksumCmd, componentsCmd)
}
