package watch

import (
	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/platform"
	"github.com/John-Robertt/epwatch/internal/retry"
)

// Observer 把“下载结果/进度推进/队列变化”从编排流程中解耦出来（metrics 实现它）。
//
// 约束：
// - watch 包只负责发事件，不做任何输出
// - 实现不应阻塞：事件在处理公告的同一个 goroutine 上同步发出
type Observer interface {
	retry.Observer
	// OnAttempt 在每次平台尝试结束后调用。
	OnAttempt(series string, a platform.Attempt)
	// OnAdvance 在 series 的 last_episode 被推进后调用。
	OnAdvance(series string, episode int)
	// OnHandled 在一条公告处理完成后调用。
	OnHandled(rep domain.HandleReport)
}

// multiObserver 把事件依次转发给多个 Observer。
type multiObserver []Observer

// Multi 组合多个 Observer；nil 会被忽略。
func Multi(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) OnRetryOutcome(item domain.RetryItem, out domain.Outcome) {
	for _, o := range m {
		o.OnRetryOutcome(item, out)
	}
}

func (m multiObserver) OnRetryDropped(item domain.RetryItem, reason domain.Reason) {
	for _, o := range m {
		o.OnRetryDropped(item, reason)
	}
}

func (m multiObserver) OnQueueSize(n int) {
	for _, o := range m {
		o.OnQueueSize(n)
	}
}

func (m multiObserver) OnAttempt(series string, a platform.Attempt) {
	for _, o := range m {
		o.OnAttempt(series, a)
	}
}

func (m multiObserver) OnAdvance(series string, episode int) {
	for _, o := range m {
		o.OnAdvance(series, episode)
	}
}

func (m multiObserver) OnHandled(rep domain.HandleReport) {
	for _, o := range m {
		o.OnHandled(rep)
	}
}
