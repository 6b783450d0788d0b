package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <destination>",
	Short: "Move the quarantined files of a destination back into its spool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		files, err := d.pipeline.Requeue(args[0])
		for _, f := range files {
			fmt.Println(f.Name)
		}
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d file(s)\n", len(files))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(requeueCmd)
}
