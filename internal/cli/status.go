package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arbor-run/arbor/pkg/run"
)

var statusTrace bool

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the persisted state of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusTrace, "trace", false, "show the whole run tree sharing the run's trace id")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := context.Background()
	r, err := rt.service.Status(ctx, args[0])
	if err != nil {
		return err
	}

	if !statusTrace {
		printRun(cmd, r)
		return nil
	}

	tree, err := rt.service.Tree(ctx, r.TraceID)
	if err != nil {
		return err
	}
	for _, node := range tree {
		printRun(cmd, node)
	}
	return nil
}

func printRun(cmd *cobra.Command, r *run.Run) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "run %s (marshal error: %v)\n", r.ID, err)
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
}
