package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/homelistingai/followup/internal/engined"
	"github.com/homelistingai/followup/internal/models"
	"github.com/homelistingai/followup/internal/trigger"
)

var (
	enrollLead      string
	enrollProperty  string
	enrollAgent     string
	enrollSequence  string
	enrollTrigger   string
	enrollCustomKey string
	enrollGRPCAddr  string
)

func init() {
	rootCmd.AddCommand(enrollCmd)
	flags := enrollCmd.Flags()
	flags.StringVar(&enrollLead, "lead", "", "lead id (required)")
	flags.StringVar(&enrollProperty, "property", "", "property id")
	flags.StringVar(&enrollAgent, "agent", "", "agent id")
	flags.StringVar(&enrollSequence, "sequence", "", "enroll directly into this sequence id")
	flags.StringVar(&enrollTrigger, "trigger", "", "route a trigger event (e.g. lead_capture, \"Property Viewed\")")
	flags.StringVar(&enrollCustomKey, "custom-key", "", "custom trigger key (with --trigger custom)")
	flags.StringVar(&enrollGRPCAddr, "grpc-addr", "", "send the event to a running daemon instead of the local database")
}

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll a lead into follow-up sequences",
	Long: `Enroll a lead either by routing a trigger event to every matching active
sequence (--trigger) or directly into one sequence (--sequence).`,
	Example: `  followupd enroll --lead lead-42 --trigger "Lead Capture" --property prop-7
  followupd enroll --lead lead-42 --sequence appointment-reminder`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(enrollLead) == "" {
			return errors.New("--lead is required")
		}
		if (enrollSequence == "") == (enrollTrigger == "") {
			return errors.New("exactly one of --sequence or --trigger is required")
		}
		refs := models.ContextRefs{LeadID: enrollLead, PropertyID: enrollProperty, AgentID: enrollAgent}

		var (
			out *trigger.Result
			err error
		)
		switch {
		case enrollSequence != "":
			out, err = enrollDirect(cmd, refs)
		default:
			out, err = enrollEvent(cmd, refs)
		}
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), out)
		}
		printEnrollOutput(cmd, out)
		return nil
	},
}

func enrollDirect(cmd *cobra.Command, refs models.ContextRefs) (*trigger.Result, error) {
	if enrollGRPCAddr != "" {
		return nil, errors.New("--sequence is only supported against the local database")
	}
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	result, err := eng.EnrollInSequence(ctx, enrollSequence, refs)
	if err != nil {
		return nil, err
	}
	out := &trigger.Result{ExecutionIDs: []string{result.ExecutionID}}
	if result.Reused {
		out.Reused = []string{result.ExecutionID}
	}
	return out, nil
}

func enrollEvent(cmd *cobra.Command, refs models.ContextRefs) (*trigger.Result, error) {
	triggerType, err := models.ParseTriggerType(enrollTrigger)
	if err != nil {
		return nil, err
	}
	event := models.TriggerEvent{
		TriggerType: triggerType,
		LeadID:      refs.LeadID,
		PropertyID:  refs.PropertyID,
		AgentID:     refs.AgentID,
		CustomKey:   enrollCustomKey,
	}

	ctx := cmd.Context()
	if enrollGRPCAddr != "" {
		client, closeConn, err := dialEngine(enrollGRPCAddr)
		if err != nil {
			return nil, err
		}
		defer closeConn()
		resp, err := client.Enroll(ctx, &engined.EnrollRequest{Event: event})
		if err != nil {
			return nil, err
		}
		return resp.Result, nil
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	return eng.Route(ctx, event)
}

func printEnrollOutput(cmd *cobra.Command, out *trigger.Result) {
	w := cmd.OutOrStdout()
	if len(out.ExecutionIDs) == 0 && len(out.Failures) == 0 && len(out.Skipped) == 0 {
		fmt.Fprintln(w, "No matching active sequences.")
	}
	reused := make(map[string]bool, len(out.Reused))
	for _, id := range out.Reused {
		reused[id] = true
	}
	for _, id := range out.ExecutionIDs {
		if reused[id] {
			fmt.Fprintf(w, "Already enrolled: %s\n", id)
			continue
		}
		fmt.Fprintf(w, "Enrolled: %s\n", id)
	}
	for _, skip := range out.Skipped {
		fmt.Fprintf(w, "Skipped %s: %s\n", skip.SequenceID, skip.Reason)
	}
	for _, failure := range out.Failures {
		fmt.Fprintf(w, "Failed %s: %s\n", failure.SequenceID, failure.Error)
	}
}
