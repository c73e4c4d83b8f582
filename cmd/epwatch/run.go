package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/gateway"
	"github.com/John-Robertt/epwatch/internal/logging"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "持续读取公告（JSON Lines）并处理，直到数据源结束或收到信号",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			if w, ok := progressWriter(); ok {
				ui := newProgressUI(w)
				ui.printConfig(a.cfg, ctx.cfgPath)
				a.attachProgress(ui)
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr := a.cfg.Metrics.Addr; addr != "" {
				srv := &http.Server{Addr: addr, Handler: metricsMux(a), ReadHeaderTimeout: 10 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Error("metrics 服务退出", "addr", addr, "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.log.Info("metrics 已启用", "addr", addr)
			}

			if source == "" {
				source = a.cfg.Gateway.Source
			}
			srcLog := logging.NewComponentLogger(a.log, "gateway")

			startup := a.orch.Sweep(runCtx)
			a.log.Info("启动扫描完成", "due", startup.Due, "succeeded", startup.Succeeded, "dropped", startup.Dropped)

			sup := &gateway.Supervisor{
				Open: func(context.Context) (gateway.Source, error) {
					return gateway.OpenLineSource(source, srcLog)
				},
				Handle: func(hctx context.Context, ann domain.Announcement) {
					rep := a.orch.Handle(hctx, ann)
					a.log.Info("公告处理完成",
						"announcement", ann.ID,
						"channel_id", ann.ChannelID,
						"downloaded", rep.Summary.Downloaded,
						"skipped", rep.Summary.Skipped,
						"failed", rep.Summary.Failed,
						"queued", rep.Summary.Queued,
					)
				},
				RestartDelay: a.cfg.Gateway.RestartDelay.D(),
				Logger:       srcLog,
			}
			err = sup.Run(runCtx)
			if errors.Is(err, context.Canceled) && cmd.Context().Err() == nil {
				// 信号触发的退出视为正常结束。
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "公告来源（JSON Lines 文件；- 表示 stdin；默认读配置 gateway.source）")
	return cmd
}

func metricsMux(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	return mux
}
