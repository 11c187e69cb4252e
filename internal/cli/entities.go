package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var entitiesTenant string

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List loaded entity definitions",
	RunE:  runEntities,
}

func init() {
	entitiesCmd.Flags().StringVar(&entitiesTenant, "tenant", "", "filter by tenant id")
	rootCmd.AddCommand(entitiesCmd)
}

func runEntities(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := context.Background()
	if _, err := rt.loader.LoadAll(ctx); err != nil {
		return fmt.Errorf("load entity definitions: %w", err)
	}

	list, err := rt.entities.List(ctx, entitiesTenant)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tSTEPS")
	for _, e := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", e.ID, e.Name, e.Type, e.Status, len(e.Plan.Steps))
	}
	return w.Flush()
}
