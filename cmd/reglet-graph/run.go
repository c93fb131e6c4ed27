package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-graph/engine"
	"github.com/reglet-dev/reglet-graph/errdefs"
	"github.com/reglet-dev/reglet-graph/graph"
	"github.com/reglet-dev/reglet-graph/supervisor"
)

var (
	runTargets []string
	runDirty   []string
	runWatch   bool
	runSave    bool
)

var runCmd = &cobra.Command{
	Use:   "run <graph.yaml>",
	Short: "Execute a graph, recomputing only nodes whose inputs changed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
				a.logger.Warn("shutdown incomplete", "error", cerr)
			}
		}()

		g, err := a.loadGraph(args[0])
		if err != nil {
			return err
		}
		if err := a.approveGrants(ctx, g); err != nil {
			return err
		}

		report, err := a.engine.RunTargets(ctx, g, runTargets, runDirty...)
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), report)

		if runWatch {
			if err := a.watch(ctx, g); err != nil {
				return err
			}
		}
		if runSave {
			if err := writeGraph(args[0], g); err != nil {
				return fmt.Errorf("save graph: %w", err)
			}
		}
		return report.Err()
	},
}

func init() {
	runCmd.Flags().StringSliceVarP(&runTargets, "target", "t", nil, "Nodes to compute (default: every sink)")
	runCmd.Flags().StringSliceVar(&runDirty, "dirty", nil, "Nodes to recompute even if their inputs are unchanged")
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "Start continuous nodes and rerun dependents until interrupted")
	runCmd.Flags().BoolVar(&runSave, "save", false, "Write approved grants back to the graph file")
	rootCmd.AddCommand(runCmd)
}

// watch starts every continuous node and blocks until ctx is done.
func (a *app) watch(ctx context.Context, g *graph.Graph) error {
	sup := supervisor.New(g, a.cache, a.invoker, a.model,
		supervisor.WithLogger(a.logger),
		supervisor.WithMetrics(a.metrics),
		supervisor.WithTickInterval(a.cfg.Supervisor.TickInterval.D()),
		supervisor.WithGracePeriod(a.cfg.Supervisor.GracePeriod.D()),
		supervisor.WithAbortPeriod(a.cfg.Supervisor.AbortPeriod.D()),
		supervisor.WithMinRerunInterval(a.cfg.Supervisor.MinRerunInterval.D()),
		supervisor.WithRerun(func(ctx context.Context, dirty []string) {
			report, err := a.engine.Run(ctx, g, dirty...)
			if err != nil {
				a.logger.Error("rerun failed", "error", err)
				return
			}
			a.logger.Info("downstream rerun", "changed", dirty, "summary", report.Summary())
		}),
	)

	var started int
	for _, id := range g.NodeIDs() {
		n, _ := g.Node(id)
		if !n.Continuous {
			continue
		}
		if err := sup.Start(ctx, id); err != nil {
			printErr(os.Stderr, "", err)
			continue
		}
		started++
	}
	if started == 0 {
		return sup.Close(ctx)
	}
	a.logger.Info("supervising continuous nodes", "count", started)

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		a.cfg.Supervisor.GracePeriod.D()+a.cfg.Supervisor.AbortPeriod.D()+5*time.Second)
	defer cancel()
	return sup.Close(stopCtx)
}

func printReport(w io.Writer, r *engine.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATUS\tDURATION\tDETAIL")
	for _, res := range r.Results {
		detail := res.Reason
		if res.Err != nil {
			detail = res.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.NodeID, res.Status, res.Duration().Round(time.Millisecond), detail)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "run %s: %s\n", r.RunID, r.Summary())
	for _, res := range r.Results {
		if hint := errdefs.HintOf(res.Err); hint != "" {
			fmt.Fprintf(w, "  %s: %s\n", res.NodeID, hint)
		}
	}
}
