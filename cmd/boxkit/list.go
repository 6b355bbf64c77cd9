package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "ps"},
	Short:   "List boxes",
	RunE:    runList,
}

func runList(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	infos, err := rt.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tIMAGE\tPID\tCREATED")
	for _, info := range infos {
		pid := "-"
		if info.Pid != 0 {
			pid = fmt.Sprintf("%d", info.Pid)
		}
		name := info.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			info.ID, name, info.Status, info.Image, pid,
			info.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}
