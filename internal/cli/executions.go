package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/homelistingai/followup/internal/db"
	"github.com/homelistingai/followup/internal/engined"
	"github.com/homelistingai/followup/internal/models"
)

var (
	executionsLead     string
	executionsSequence string
	executionsStatus   string
	executionsLimit    int
	executionsGRPCAddr string
	lifecycleReason    string
	cancelYes          bool
)

func init() {
	rootCmd.AddCommand(executionsCmd)
	executionsCmd.AddCommand(
		executionsListCmd,
		executionsShowCmd,
		executionsHistoryCmd,
		executionsPauseCmd,
		executionsResumeCmd,
		executionsCancelCmd,
	)

	executionsCmd.PersistentFlags().StringVar(&executionsGRPCAddr, "grpc-addr", "", "talk to a running daemon instead of the local database")

	executionsListCmd.Flags().StringVar(&executionsLead, "lead", "", "filter by lead id")
	executionsListCmd.Flags().StringVar(&executionsSequence, "sequence", "", "filter by sequence id")
	executionsListCmd.Flags().StringVar(&executionsStatus, "status", "", "filter by status (active, paused, completed, cancelled)")
	executionsListCmd.Flags().IntVar(&executionsLimit, "limit", 50, "maximum executions to list")

	for _, cmd := range []*cobra.Command{executionsPauseCmd, executionsResumeCmd, executionsCancelCmd} {
		cmd.Flags().StringVar(&lifecycleReason, "reason", "", "reason recorded in the history")
	}
	executionsCancelCmd.Flags().BoolVarP(&cancelYes, "yes", "y", false, "skip confirmation")
}

var executionsCmd = &cobra.Command{
	Use:     "executions",
	Aliases: []string{"exec"},
	Short:   "Inspect and control sequence executions",
}

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := parseStatusFilter(executionsStatus)
		if err != nil {
			return err
		}
		items, err := listExecutions(cmd.Context(), db.ExecutionQuery{
			LeadID:     executionsLead,
			SequenceID: executionsSequence,
			Status:     status,
			Limit:      executionsLimit,
		})
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), items)
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No executions found.")
			return nil
		}
		now := time.Now()
		rows := make([][]string, 0, len(items))
		for _, exec := range items {
			rows = append(rows, []string{
				exec.ID,
				exec.LeadID,
				exec.SequenceID,
				formatExecutionStatus(exec.Status),
				formatStepProgress(exec),
				nextStepLabel(exec, now),
			})
		}
		return writeTable(cmd.OutOrStdout(), []string{"ID", "LEAD", "SEQUENCE", "STATUS", "STEP", "NEXT"}, rows)
	},
}

var executionsShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show an execution with its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if executionsGRPCAddr != "" {
			return errors.New("show is only supported against the local database; use history with --grpc-addr")
		}
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		exec, err := eng.GetExecution(ctx, args[0], true)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), exec)
		}
		return printExecution(cmd.OutOrStdout(), exec)
	},
}

var executionsHistoryCmd = &cobra.Command{
	Use:   "history <execution-id>",
	Short: "Show the history of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := executionHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), events)
		}
		return printHistory(cmd.OutOrStdout(), events)
	},
}

var executionsPauseCmd = &cobra.Command{
	Use:   "pause <execution-id>",
	Short: "Pause an active execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd, args[0], lifecyclePause)
	},
}

var executionsResumeCmd = &cobra.Command{
	Use:   "resume <execution-id>",
	Short: "Resume a paused execution",
	Long:  "Resume a paused execution. A step that fell due while paused runs at the next sweep.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd, args[0], lifecycleResume)
	},
}

var executionsCancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cancelYes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Cancel execution %s?", args[0]), true) {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
		return runLifecycle(cmd, args[0], lifecycleCancel)
	},
}

type lifecycleOp int

const (
	lifecyclePause lifecycleOp = iota
	lifecycleResume
	lifecycleCancel
)

func (op lifecycleOp) String() string {
	switch op {
	case lifecyclePause:
		return "Paused"
	case lifecycleResume:
		return "Resumed"
	default:
		return "Cancelled"
	}
}

func runLifecycle(cmd *cobra.Command, id string, op lifecycleOp) error {
	exec, err := applyLifecycle(cmd.Context(), id, op)
	if err != nil {
		return err
	}
	if IsJSONOutput() || IsJSONLOutput() {
		return WriteOutput(cmd.OutOrStdout(), exec)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", op, exec.ID, exec.Status)
	return nil
}

func applyLifecycle(ctx context.Context, id string, op lifecycleOp) (*models.Execution, error) {
	if executionsGRPCAddr != "" {
		client, closeConn, err := dialEngine(executionsGRPCAddr)
		if err != nil {
			return nil, err
		}
		defer closeConn()

		req := &engined.LifecycleRequest{ExecutionID: id, Reason: lifecycleReason}
		var resp *engined.ExecutionResponse
		switch op {
		case lifecyclePause:
			resp, err = client.Pause(ctx, req)
		case lifecycleResume:
			resp, err = client.Resume(ctx, req)
		default:
			resp, err = client.Cancel(ctx, req)
		}
		if err != nil {
			return nil, err
		}
		return resp.Execution, nil
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	switch op {
	case lifecyclePause:
		return eng.Pause(ctx, id, lifecycleReason)
	case lifecycleResume:
		return eng.Resume(ctx, id, lifecycleReason)
	default:
		return eng.Cancel(ctx, id, lifecycleReason)
	}
}

func listExecutions(ctx context.Context, q db.ExecutionQuery) ([]*models.Execution, error) {
	if executionsGRPCAddr != "" {
		if q.LeadID == "" {
			return nil, errors.New("--lead is required with --grpc-addr")
		}
		client, closeConn, err := dialEngine(executionsGRPCAddr)
		if err != nil {
			return nil, err
		}
		defer closeConn()
		resp, err := client.ListLeadExecutions(ctx, &engined.ListLeadExecutionsRequest{LeadID: q.LeadID})
		if err != nil {
			return nil, err
		}
		return filterExecutions(resp.Executions, q), nil
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	return eng.ListExecutions(ctx, q)
}

// filterExecutions applies the query filters the remote list does not.
func filterExecutions(items []*models.Execution, q db.ExecutionQuery) []*models.Execution {
	out := make([]*models.Execution, 0, len(items))
	for _, exec := range items {
		if q.SequenceID != "" && exec.SequenceID != q.SequenceID {
			continue
		}
		if q.Status != nil && exec.Status != *q.Status {
			continue
		}
		out = append(out, exec)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

func executionHistory(ctx context.Context, id string) ([]*models.HistoryEvent, error) {
	if executionsGRPCAddr != "" {
		client, closeConn, err := dialEngine(executionsGRPCAddr)
		if err != nil {
			return nil, err
		}
		defer closeConn()
		resp, err := client.GetHistory(ctx, &engined.GetHistoryRequest{ExecutionID: id})
		if err != nil {
			return nil, err
		}
		return resp.Events, nil
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	return eng.GetHistory(ctx, id)
}

func formatStepProgress(exec *models.Execution) string {
	total := len(exec.Steps)
	if exec.Status == models.ExecutionStatusCompleted {
		return fmt.Sprintf("%d/%d", total, total)
	}
	return fmt.Sprintf("%d/%d", exec.CurrentStepIndex+1, total)
}

func nextStepLabel(exec *models.Execution, now time.Time) string {
	if exec.Status.Terminal() {
		return "-"
	}
	return formatTimeUntil(exec.NextStepDate, now)
}

func printExecution(out io.Writer, exec *models.Execution) error {
	now := time.Now()
	fmt.Fprintf(out, "Execution:  %s\n", exec.ID)
	fmt.Fprintf(out, "Lead:       %s\n", exec.LeadID)
	fmt.Fprintf(out, "Sequence:   %s\n", exec.SequenceID)
	fmt.Fprintf(out, "Status:     %s\n", formatExecutionStatus(exec.Status))
	fmt.Fprintf(out, "Step:       %s\n", formatStepProgress(exec))
	fmt.Fprintf(out, "Next step:  %s (%s)\n", formatTimestamp(exec.NextStepDate), nextStepLabel(exec, now))
	if exec.Attempts > 0 {
		fmt.Fprintf(out, "Attempts:   %d\n", exec.Attempts)
	}
	if exec.LastError != "" {
		fmt.Fprintf(out, "Last error: %s\n", exec.LastError)
	}

	fmt.Fprintln(out)
	rows := make([][]string, 0, len(exec.Steps))
	for i, step := range exec.Steps {
		marker := " "
		if i == exec.CurrentStepIndex && !exec.Status.Terminal() {
			marker = ">"
		}
		rows = append(rows, []string{marker, strconv.Itoa(i + 1), string(step.Type), step.Delay.String(), truncate(step.Subject, 48)})
	}
	if err := writeTable(out, []string{"", "#", "TYPE", "DELAY", "SUBJECT"}, rows); err != nil {
		return err
	}

	if len(exec.History) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	return printHistory(out, exec.History)
}

func printHistory(out io.Writer, events []*models.HistoryEvent) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "No history recorded.")
		return nil
	}
	rows := make([][]string, 0, len(events))
	for _, event := range events {
		rows = append(rows, []string{
			formatTimestamp(event.Timestamp),
			formatHistoryType(event.Type),
			truncate(event.Description, 72),
		})
	}
	return writeTable(out, []string{"TIME", "EVENT", "DESCRIPTION"}, rows)
}
