package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arbor-run/arbor/pkg/engine"
)

var (
	triggerInput  string
	triggerTenant string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <entity-id>",
	Short: "Trigger an entity and wait for the run to finish",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerInput, "input", "", "run input as JSON")
	triggerCmd.Flags().StringVar(&triggerTenant, "tenant", "", "tenant id (defaults to the entity's tenant)")
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := context.Background()
	if _, err := rt.loader.LoadAll(ctx); err != nil {
		return fmt.Errorf("load entity definitions: %w", err)
	}

	var input json.RawMessage
	if triggerInput != "" {
		if !json.Valid([]byte(triggerInput)) {
			return fmt.Errorf("--input must be valid JSON")
		}
		input = json.RawMessage(triggerInput)
	}

	finished, err := rt.service.TriggerSync(ctx, engine.TriggerRequest{
		EntityID: args[0],
		TenantID: triggerTenant,
		Input:    input,
	})
	if finished != nil {
		printRun(cmd, finished)
	}
	return err
}
