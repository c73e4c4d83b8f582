package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/epwatch/internal/domain"
)

func newHandleCommand(ctx *commandContext) *cobra.Command {
	var channel string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "handle [file]",
		Short: "处理一条公告（正文来自文件或 stdin）并输出处理报告",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(channel) == "" {
				return fmt.Errorf("--channel 不能为空")
			}
			content, err := readContent(cmd, args)
			if err != nil {
				return err
			}

			a, err := ctx.openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()
			if w, ok := progressWriter(); ok {
				a.attachProgress(newProgressUI(w))
			}

			rep := a.orch.Handle(cmd.Context(), domain.Announcement{ChannelID: channel, Content: content})
			if err := emitHandleReport(cmd, rep, jsonOut || !stdoutIsTTY(cmd)); err != nil {
				return err
			}
			if rep.Summary.Failed > 0 {
				return fmt.Errorf("%d 个 series 在所有平台上都下载失败", rep.Summary.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "公告所属的频道 ID")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "以 JSON 输出报告")
	return cmd
}

func readContent(cmd *cobra.Command, args []string) (string, error) {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return "", fmt.Errorf("读取公告失败：%w", err)
		}
		defer f.Close()
		r = f
	}
	b, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return "", fmt.Errorf("读取公告失败：%w", err)
	}
	return string(b), nil
}

// emitHandleReport：JSON 模式下 stdout 只输出一个 HandleReport；否则输出人类可读的摘要。
func emitHandleReport(cmd *cobra.Command, rep domain.HandleReport, asJSON bool) error {
	if asJSON {
		return writeJSON(cmd, rep)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "完成：downloaded=%d skipped=%d failed=%d queued=%d\n",
		rep.Summary.Downloaded, rep.Summary.Skipped, rep.Summary.Failed, rep.Summary.Queued,
	)
	for _, s := range rep.Series {
		switch s.Status {
		case domain.StatusSkipped:
			fmt.Fprintf(out, "  %s: skipped (%s)\n", s.Series, s.SkipReason)
		case domain.StatusDownloaded:
			fmt.Fprintf(out, "  %s: EP%02d downloaded, recorded=%d\n", s.Series, s.Episode, s.Recorded)
		default:
			fmt.Fprintf(out, "  %s: EP%02d failed\n", s.Series, s.Episode)
		}
		for _, at := range s.Attempts {
			if at.OK {
				fmt.Fprintf(out, "    %s ok %s\n", at.Platform, at.Filename)
				continue
			}
			queued := ""
			if at.Queued {
				queued = " (queued)"
			}
			fmt.Fprintf(out, "    %s %s%s\n", at.Platform, at.Reason, queued)
		}
	}
	printSweep(out, "sweep", rep.SweepAfter)
	return nil
}
