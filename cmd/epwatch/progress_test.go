package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/platform"
)

func TestProgressUI_FailedSeriesShowsAttemptChain(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressUI(&buf)

	p.OnAttempt("Show", platform.Attempt{Platform: "mega", Outcome: domain.Failure(domain.ReasonQuotaExceeded, "transfer limit"), Queued: true})
	now := time.Now()
	p.OnHandled(domain.HandleReport{
		ChannelID:  "c1",
		StartedAt:  now,
		FinishedAt: now.Add(1500 * time.Millisecond),
		Summary:    domain.HandleSummary{Failed: 1, Queued: 1},
		Series: []domain.SeriesResult{{
			Series: "Show", Episode: 7, Status: domain.StatusFailed,
			Attempts: []domain.PlatformAttempt{
				{Platform: "mega", Reason: domain.ReasonQuotaExceeded, Queued: true},
				{Platform: "gdrive", Reason: domain.ReasonConfirmFailed},
			},
		}},
	})

	out := buf.String()
	for _, want := range []string{"已登记重试", "failed=1", "(1.5s)", "mega:quota_exceeded(queued);gdrive:confirmation_failed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q：\n%s", want, out)
		}
	}
}

func TestProgressUI_QueueSizeOnlyOnChange(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressUI(&buf)
	p.OnQueueSize(2)
	p.OnQueueSize(2)
	p.OnQueueSize(1)
	if n := strings.Count(buf.String(), "重试队列"); n != 2 {
		t.Fatalf("期望输出 2 次，实际 %d：\n%s", n, buf.String())
	}
}

func TestFormatProxy(t *testing.T) {
	if got := formatProxy(""); got != "off" {
		t.Fatalf("期望 off，实际 %q", got)
	}
	if got := formatProxy("http://u:p@127.0.0.1:7890"); got != "on (http://127.0.0.1:7890, auth=on)" {
		t.Fatalf("代理格式不符合预期：%q", got)
	}
}
