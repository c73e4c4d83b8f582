package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/epwatch/internal/app/watch"
	"github.com/John-Robertt/epwatch/internal/config"
	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/platform"
)

var _ watch.Observer = (*progressUI)(nil)

// progressUI 是交互终端下的简洁进度输出（只在 stderr 是终端时启用）。
//
// 约束：
// - 只写 w（通常是 stderr），不污染 stdout
// - 事件驱动：watch/retry 只发事件，CLI 决定如何展示
type progressUI struct {
	w io.Writer

	mu      sync.Mutex
	handled int
	ok      int
	fail    int
	queue   int
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{w: w, queue: -1}
}

// printConfig 打印生效配置（启动时调用一次）。
func (p *progressUI) printConfig(cfg config.Config, cfgPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "[%s] epwatch run\n", time.Now().Format("15:04:05"))
	fmt.Fprintln(p.w, "配置（生效）:")
	if cfgPath == "" {
		cfgPath = "<defaults>"
	}
	fmt.Fprintf(p.w, "  config: %s\n", cfgPath)
	fmt.Fprintf(p.w, "  state: %s\n", cfg.StatePath)
	fmt.Fprintf(p.w, "  history: %s\n", orOff(cfg.HistoryPath))
	fmt.Fprintf(p.w, "  source: %s\n", cfg.Gateway.Source)
	fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(cfg.HTTP.ProxyURL))
	fmt.Fprintf(p.w, "  retry: max=%d quota=%s error=%s\n", cfg.Retry.MaxAttempts, cfg.Retry.QuotaBackoff.D(), cfg.Retry.ErrorBackoff.D())
	fmt.Fprintf(p.w, "  metrics: %s\n\n", orOff(cfg.Metrics.Addr))
}

func (p *progressUI) OnAttempt(series string, a platform.Attempt) {
	if a.Outcome.OK {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	note := ""
	if a.Queued {
		note = " -> 已登记重试"
	}
	fmt.Fprintf(p.w, "  %s %s: %s%s\n", series, a.Platform, formatReason(a.Outcome), note)
}

func (p *progressUI) OnAdvance(series string, episode int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "  %s -> EP%02d\n", series, episode)
}

func (p *progressUI) OnHandled(rep domain.HandleReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handled++
	p.ok += rep.Summary.Downloaded
	p.fail += rep.Summary.Failed
	if len(rep.Series) == 0 {
		return
	}
	fmt.Fprintf(p.w, "[%s] #%d channel=%s downloaded=%d skipped=%d failed=%d queued=%d (%s)\n",
		rep.FinishedAt.Local().Format("15:04:05"), p.handled, rep.ChannelID,
		rep.Summary.Downloaded, rep.Summary.Skipped, rep.Summary.Failed, rep.Summary.Queued,
		formatShortDuration(rep.FinishedAt.Sub(rep.StartedAt)),
	)
	for _, s := range rep.Series {
		if s.Status != domain.StatusFailed {
			continue
		}
		fmt.Fprintf(p.w, "  FAIL %s EP%02d attempts=%s\n", s.Series, s.Episode, formatAttemptChain(s.Attempts))
	}
}

func (p *progressUI) OnRetryOutcome(item domain.RetryItem, out domain.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := "OK"
	if !out.OK {
		status = formatReason(out)
	}
	fmt.Fprintf(p.w, "  retry %s EP%02d %s (attempt %d): %s\n", item.EntryName, item.Episode, item.Platform, item.Attempts, status)
}

func (p *progressUI) OnRetryDropped(item domain.RetryItem, reason domain.Reason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "  DROP %s EP%02d %s: %s (attempts=%d)\n", item.EntryName, item.Episode, item.Platform, reason, item.Attempts)
}

func (p *progressUI) OnQueueSize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == p.queue {
		return
	}
	p.queue = n
	fmt.Fprintf(p.w, "  重试队列: %d\n", n)
}

func formatReason(out domain.Outcome) string {
	if out.Detail == "" {
		return string(out.Reason)
	}
	return string(out.Reason) + ": " + truncate(out.Detail, 90)
}

func formatAttemptChain(attempts []domain.PlatformAttempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		s := a.Platform + ":" + string(a.Reason)
		if a.Queued {
			s += "(queued)"
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ";")
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func orOff(s string) string {
	if strings.TrimSpace(s) == "" {
		return "off"
	}
	return s
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
