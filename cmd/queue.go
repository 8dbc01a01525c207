package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-pipeline/internal/model"
)

// -- requeue --

var requeueCmd = &cobra.Command{
	Use:   "requeue <item-id>",
	Short: "Return a terminal queue item to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		item, err := st.RequeueItem(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "requeue")
		}
		fmt.Fprintf(os.Stdout, "requeued %s (attempts %d of %d)\n", item.ID, item.Attempts, item.MaxAttempts)
		return nil
	},
}

// -- status --

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and recent items",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.QueueStats(ctx)
		if err != nil {
			return eris.Wrap(err, "queue stats")
		}

		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		var items []model.QueueItem
		if limit > 0 {
			items, err = st.ListQueueItems(ctx, model.QueueFilter{
				Status: model.QueueStatus(status),
				Source: source,
				Limit:  limit,
			})
			if err != nil {
				return eris.Wrap(err, "list queue items")
			}
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"stats": stats, "items": items})
		}
		formatQueueStats(os.Stdout, stats, time.Now())
		if len(items) > 0 {
			fmt.Fprintln(os.Stdout)
			formatQueueItems(os.Stdout, items)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("status", "", "filter items by status (pending, processing, complete, failed, skipped)")
	statusCmd.Flags().String("source", "", "filter items by source")
	statusCmd.Flags().Int("limit", 20, "number of items to list (0 for stats only)")
	statusCmd.Flags().Bool("json", false, "print JSON")
	rootCmd.AddCommand(requeueCmd, statusCmd)
}

// formatQueueStats writes per-status counts and the oldest pending age.
func formatQueueStats(w io.Writer, s *model.QueueStats, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PENDING\tPROCESSING\tCOMPLETE\tFAILED\tSKIPPED\tTOTAL")
	fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\n", s.Pending, s.Processing, s.Complete, s.Failed, s.Skipped, s.Total())
	_ = tw.Flush()
	if s.OldestPending != nil && s.Pending > 0 {
		fmt.Fprintf(w, "oldest pending: %s ago\n", now.Sub(*s.OldestPending).Round(time.Second))
	}
}

// formatQueueItems writes a table of queue items.
func formatQueueItems(w io.Writer, items []model.QueueItem) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tCREATED\tURL\tDETAIL")
	for _, it := range items {
		detail := it.ResultEntityID
		if it.ErrorMessage != "" {
			detail = truncate(it.ErrorMessage, 60)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			shortID(it.ID),
			it.Status,
			it.Attempts, it.MaxAttempts,
			it.CreatedAt.Format("2006-01-02 15:04"),
			truncate(it.SourceURL, 70),
			detail,
		)
	}
	_ = tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
