package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dr4tinymous/auditspool"
)

var inspectQuarantined bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <destination> | inspect --file <path>",
	Short: "List the spool files of a destination or decode one file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			return inspectFile(path)
		}
		if len(args) != 1 {
			return fmt.Errorf("expected a destination name or --file")
		}

		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		list := d.pipeline.Pending
		if inspectQuarantined {
			list = d.pipeline.Quarantined
		}
		files, err := list(args[0])
		if err != nil {
			return err
		}
		return printFiles(files)
	},
}

func init() {
	inspectCmd.Flags().String("file", "", "Decode a single spool file")
	inspectCmd.Flags().BoolVarP(&inspectQuarantined, "quarantined", "q", false, "List quarantined files instead of live ones")
	rootCmd.AddCommand(inspectCmd)
}

type fileInfo struct {
	auditspool.SpoolFile
	EventCode string    `json:"eventCode"`
	Modified  time.Time `json:"modified"`
}

func printFiles(files []auditspool.SpoolFile) error {
	infos := make([]fileInfo, 0, len(files))
	for _, f := range files {
		mod, err := auditspool.ModTime(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		infos = append(infos, fileInfo{SpoolFile: f, EventCode: f.EventCode(), Modified: mod})
	}
	if jsonOutput {
		data, _ := json.MarshalIndent(infos, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tEVENT\tMODIFIED")
	for _, fi := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", fi.Name, fi.EventCode, fi.Modified.Format(time.RFC3339))
	}
	return tw.Flush()
}

type decodedFile struct {
	File    auditspool.SpoolFile `json:"file"`
	Header  auditspool.Record    `json:"header"`
	Details []auditspool.Record  `json:"details"`
}

func inspectFile(path string) error {
	f := auditspool.SpoolFile{Dir: filepath.Dir(path), Name: filepath.Base(path)}
	header, details, err := auditspool.Read(f)
	if err != nil {
		return err
	}
	out := decodedFile{File: f, Header: header, Details: details}
	if details == nil {
		out.Details = []auditspool.Record{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
