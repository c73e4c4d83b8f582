package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/epwatch/internal/domain"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "立即扫描一次重试队列",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			rep := a.orch.Sweep(cmd.Context())
			if jsonOut || !stdoutIsTTY(cmd) {
				return writeJSON(cmd, rep)
			}
			printSweep(cmd.OutOrStdout(), "sweep", rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "以 JSON 输出")
	return cmd
}

func printSweep(out io.Writer, label string, rep domain.SweepReport) {
	if rep.Checked == 0 {
		return
	}
	fmt.Fprintf(out, "%s：checked=%d due=%d succeeded=%d rescheduled=%d dropped=%d stale=%d\n",
		label, rep.Checked, rep.Due, rep.Succeeded, rep.Rescheduled, rep.Dropped, rep.Stale,
	)
	for _, it := range rep.Terminal {
		fmt.Fprintf(out, "  放弃：%s EP%02d %s (%s, attempts=%d)\n", it.EntryName, it.Episode, it.Platform, it.Reason, it.Attempts)
	}
}
