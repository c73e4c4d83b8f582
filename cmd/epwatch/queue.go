package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/epwatch/internal/domain"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "查看或管理重试队列",
	}
	cmd.AddCommand(newQueueListCommand(ctx))
	cmd.AddCommand(newQueueDropCommand(ctx))
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "列出重试队列",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			items := a.queue.Items()
			if jsonOut || !stdoutIsTTY(cmd) {
				if items == nil {
					items = []domain.RetryItem{}
				}
				return writeJSON(cmd, items)
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "重试队列为空")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRetryItems(items, time.Now()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "以 JSON 输出")
	return cmd
}

func renderRetryItems(items []domain.RetryItem, now time.Time) string {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		due := "due"
		if it.NextRetry.After(now) {
			due = it.NextRetry.Sub(now).Round(time.Minute).String()
		}
		rows = append(rows, []string{
			it.ID,
			it.EntryName,
			strconv.Itoa(it.Episode),
			it.Platform,
			strconv.Itoa(it.Attempts),
			it.NextRetry.Local().Format("2006-01-02 15:04"),
			due,
			string(it.Reason),
		})
	}
	return renderTable(
		[]string{"ID", "Series", "EP", "Platform", "Attempts", "Next Retry", "In", "Reason"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
	)
}

func newQueueDropCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <id>...",
		Short: "按 ID 移除重试条目",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, id := range args {
				ok, err := a.queue.Drop(id)
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(out, "已移除 %s\n", id)
				} else {
					fmt.Fprintf(out, "未找到 %s\n", id)
				}
			}
			return nil
		},
	}
}
