package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/state"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "校验配置文件与状态文档（series 定义、正则、平台名）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			doc := a.store.Snapshot()
			if err := checkDocument(doc, a.registry.Names()); err != nil {
				return fmt.Errorf("状态文档 %s 有问题：\n%w", a.store.Path(), err)
			}

			n := 0
			doc.Each(func(string, *domain.SeriesEntry) bool { n++; return true })
			out := cmd.OutOrStdout()
			if ctx.cfgPath != "" {
				fmt.Fprintf(out, "config: %s\n", ctx.cfgPath)
			} else {
				fmt.Fprintln(out, "config: <defaults>")
			}
			fmt.Fprintf(out, "state: %s（%d 个 series，%d 条重试）\n", a.store.Path(), n, len(doc.Retry))
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
}

// checkDocument 在文档自身校验之外，确认 series 引用的平台都已注册。
func checkDocument(doc *state.Document, platforms []string) error {
	known := make(map[string]bool, len(platforms))
	for _, p := range platforms {
		known[p] = true
	}
	errs := []error{doc.Validate()}
	doc.Each(func(section string, e *domain.SeriesEntry) bool {
		for _, p := range e.Platforms {
			if !known[p] {
				errs = append(errs, fmt.Errorf("%s/%s: 未知平台 %q", section, e.Name, p))
			}
		}
		return true
	})
	for _, it := range doc.Retry {
		if !known[it.Platform] {
			errs = append(errs, fmt.Errorf("retry_queue: 条目 %s 引用了未知平台 %q", it.ID, it.Platform))
		}
	}
	return errors.Join(errs...)
}
