package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/epwatch/internal/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		series  string
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "查看最近的下载历史",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			if cfg.HistoryPath == "" {
				return errors.New("history_path 未配置，下载历史已禁用")
			}
			db, err := history.Open(cfg.HistoryPath)
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := db.Recent(cmd.Context(), series, limit)
			if err != nil {
				return err
			}
			if jsonOut || !stdoutIsTTY(cmd) {
				if entries == nil {
					entries = []history.Entry{}
				}
				return writeJSON(cmd, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "暂无下载记录")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.At.Local().Format("2006-01-02 15:04"),
					e.Series,
					strconv.Itoa(e.Episode),
					e.Platform,
					e.Filename,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Time", "Series", "EP", "Platform", "File"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&series, "series", "", "只看某个 series")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "最多显示多少条")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "以 JSON 输出")
	return cmd
}
