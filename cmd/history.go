package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/ocrserve/internal/store"
	"github.com/andresmejia3/ocrserve/internal/utils"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:         "history",
	Short:       "List the most recent recognitions from the journal",
	Annotations: map[string]string{journalAnnotation: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := DB.Recent(cmd.Context(), historyLimit)
		if err != nil {
			utils.ShowError("Failed to read journal", err, nil)
			return err
		}
		writeHistory(os.Stdout, entries)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries to show")
	rootCmd.AddCommand(historyCmd)
}

func writeHistory(out io.Writer, entries []store.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No recognitions recorded.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tENDPOINT\tFRAMES\tDETECTIONS\tOUTCOME\tDURATION\tCREATED\tREQUEST")
	fmt.Fprintln(w, "--\t--------\t------\t----------\t-------\t--------\t-------\t-------")

	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.Endpoint, e.Frames, e.Detections, e.Outcome, e.Duration,
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.RequestID)
	}
	w.Flush()
}
