package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/homelistingai/followup/internal/models"
	"github.com/homelistingai/followup/internal/sequences"
)

var (
	sequencesActiveOnly bool
	sequencesFromFiles  bool
)

func init() {
	rootCmd.AddCommand(sequencesCmd)
	sequencesCmd.AddCommand(sequencesListCmd, sequencesValidateCmd, sequencesSyncCmd)

	sequencesListCmd.Flags().BoolVar(&sequencesActiveOnly, "active", false, "only active sequences")
	sequencesListCmd.Flags().BoolVar(&sequencesFromFiles, "files", false, "list definitions on disk instead of the catalog")
}

var sequencesCmd = &cobra.Command{
	Use:     "sequences",
	Aliases: []string{"seq"},
	Short:   "Manage follow-up sequence definitions",
}

var sequencesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sequences",
	Long:  "List the sequence catalog, or with --files the definitions found on disk and builtin.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			items []*models.Sequence
			err   error
		)
		if sequencesFromFiles {
			items, err = loadSequenceFiles()
			if err == nil && sequencesActiveOnly {
				items = filterActive(items)
			}
		} else {
			items, err = listCatalog(cmd.Context(), sequencesActiveOnly)
		}
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), items)
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sequences found.")
			return nil
		}
		rows := make([][]string, 0, len(items))
		for _, seq := range items {
			rows = append(rows, []string{
				seq.ID,
				seq.Name,
				sequenceTriggerLabel(seq),
				formatYesNo(seq.IsActive),
				strconv.Itoa(len(seq.Steps)),
				sequenceSourceLabel(seq.Source),
			})
		}
		return writeTable(cmd.OutOrStdout(), []string{"ID", "NAME", "TRIGGER", "ACTIVE", "STEPS", "SOURCE"}, rows)
	},
}

var sequencesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate sequence definitions",
	Long:  "Parse every sequence definition and report template tokens that will not render.",
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := loadSequenceFiles()
		if err != nil {
			return err
		}

		var issues []sequences.Issue
		for _, seq := range items {
			issues = append(issues, sequences.Lint(seq)...)
		}

		if IsJSONOutput() || IsJSONLOutput() {
			if issues == nil {
				issues = []sequences.Issue{}
			}
			if err := WriteOutput(cmd.OutOrStdout(), issues); err != nil {
				return err
			}
		} else {
			for _, issue := range issues {
				fmt.Fprintln(cmd.OutOrStdout(), issue.String())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d sequence(s) checked, %d issue(s)\n", len(items), len(issues))
		}
		if len(issues) > 0 {
			return fmt.Errorf("%d template issue(s) found", len(issues))
		}
		return nil
	},
}

var sequencesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Write sequence definitions into the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		progress := startProgress("Syncing sequences")
		n, err := eng.SyncSequences(ctx)
		if err != nil {
			progress.Fail(err)
			return err
		}
		progress.Done()

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), map[string]int{"synced": n})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Synced %d sequence(s)\n", n)
		return nil
	},
}

func loadSequenceFiles() ([]*models.Sequence, error) {
	cfg := GetConfig()
	return sequences.LoadSequencesFromSearchPaths(sequences.LoadOptions{
		Dir:          cfg.Sequences.Dir,
		LoadBuiltins: cfg.Sequences.LoadBuiltins,
	})
}

func listCatalog(ctx context.Context, activeOnly bool) ([]*models.Sequence, error) {
	eng, err := openEngine(ctx)
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	return eng.ListSequences(ctx, activeOnly)
}

func filterActive(items []*models.Sequence) []*models.Sequence {
	out := make([]*models.Sequence, 0, len(items))
	for _, seq := range items {
		if seq.IsActive {
			out = append(out, seq)
		}
	}
	return out
}

func sequenceTriggerLabel(seq *models.Sequence) string {
	if seq.TriggerType == models.TriggerCustom && seq.CustomKey != "" {
		return fmt.Sprintf("%s (%s)", seq.TriggerType, seq.CustomKey)
	}
	return string(seq.TriggerType)
}

func sequenceSourceLabel(source string) string {
	switch {
	case source == "":
		return "-"
	case source == "builtin" || source == "db":
		return source
	case strings.Contains(source, "/"):
		return "file"
	default:
		return source
	}
}
