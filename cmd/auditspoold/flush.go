package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dr4tinymous/auditspool"
)

var flushAll bool

var flushCmd = &cobra.Command{
	Use:   "flush [destination...]",
	Short: "Run one processing pass and exit",
	Long: `flush processes the spool directories of the named destinations once.
Without arguments every installed destination is processed. Files younger
than the configured minimum file age are skipped unless --all is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var extra []auditspool.Option
		if flushAll {
			extra = append(extra, auditspool.WithMinFileAge(0))
		}
		d, err := openDaemon(extra...)
		if err != nil {
			return err
		}
		defer d.Close()

		ctx := cmd.Context()
		var stats map[string]auditspool.FlushStats
		if len(args) == 0 {
			stats, err = d.pipeline.FlushAll(ctx)
		} else {
			stats = make(map[string]auditspool.FlushStats, len(args))
			for _, name := range args {
				st, ferr := d.pipeline.Flush(ctx, name)
				if ferr != nil {
					err = ferr
					break
				}
				stats[name] = st
			}
		}
		printStats(stats)
		return err
	},
}

func init() {
	flushCmd.Flags().BoolVar(&flushAll, "all", false, "Also process files younger than the minimum file age")
	rootCmd.AddCommand(flushCmd)
}

func printStats(stats map[string]auditspool.FlushStats) {
	if jsonOutput {
		data, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(data))
		return
	}
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DESTINATION\tSCANNED\tDELIVERED\tRETAINED\tQUARANTINED\tNOT READY\tSKIPPED")
	for _, name := range names {
		st := stats[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%t\n",
			name, st.Scanned, st.Delivered, st.Retained, st.Quarantined, st.NotReady, st.Skipped)
	}
	tw.Flush()
}
