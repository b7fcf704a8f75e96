package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amerfu/infergate/internal/services/logs"
)

// NewLogsCommand creates the log housekeeping command
func NewLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect and clean engine logs",
	}

	cmd.AddCommand(newLogsStatsCommand())
	cmd.AddCommand(newLogsCleanCommand())

	return cmd
}

func newLogsStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show log directory statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st logs.Stats
			if err := APIRequest("GET", "/admin/log-stats", nil, &st); err != nil {
				return err
			}
			if outputJSON {
				OutputJSON(st)
				return nil
			}
			printStats(st)
			return nil
		},
	}
}

func newLogsCleanCommand() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete rotated logs older than --days",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := "/admin/clean-logs"
			if cmd.Flags().Changed("days") {
				if days < 0 {
					return fmt.Errorf("days must not be negative")
				}
				endpoint += fmt.Sprintf("?days=%d", days)
			}

			var resp struct {
				Result logs.CleanResult `json:"cleanup_result"`
				Stats  logs.Stats       `json:"current_stats"`
			}
			if err := APIRequest("POST", endpoint, nil, &resp); err != nil {
				return err
			}
			if outputJSON {
				OutputJSON(resp)
				return nil
			}
			printf("Deleted %d files, freed %.2f MB\n", resp.Result.DeletedFiles, resp.Result.FreedSpaceMB)
			printStats(resp.Stats)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "keep rotated logs newer than this many days")
	return cmd
}

func printStats(st logs.Stats) {
	printf("Files: %d\n", st.TotalFiles)
	printf("Size: %.2f MB\n", st.TotalSizeMB)
	if st.OldestFile.Modified != nil {
		printf("Oldest: %s (%s)\n", st.OldestFile.Path, st.OldestFile.Modified.Format(time.RFC3339))
	}
	if st.NewestFile.Modified != nil {
		printf("Newest: %s (%s)\n", st.NewestFile.Path, st.NewestFile.Modified.Format(time.RFC3339))
	}
}
