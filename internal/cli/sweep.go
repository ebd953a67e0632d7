package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Dispatch every due step once and exit",
	Long: `Run a single scheduler sweep against the local database: claim every execution
whose next step is due, dispatch it and record the outcome.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		progress := startProgress("Sweeping due steps")
		result, err := eng.Sweep(ctx)
		if err != nil {
			progress.Fail(err)
			return err
		}
		progress.Done()

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), result)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Due: %d  Claimed: %d  Dispatched: %d  Failed: %d\n",
			result.Due, result.Claimed, result.Dispatched, result.Failed)
		return nil
	},
}
