package platform

import (
	"context"

	"github.com/John-Robertt/epwatch/internal/domain"
)

// Attempt 记录一次平台尝试（用于解释 failover 原因）。
type Attempt struct {
	Platform string
	Link     string
	Outcome  domain.Outcome
	// Queued 表示该失败已被登记为延后重试。
	Queued bool
}

// FailureHook 在某个平台失败后调用；返回 true 表示已为该失败登记了延后重试。
type FailureHook func(a Attempt) bool

// TryInOrder 按 order 依次尝试有候选链接的平台，直到第一个成功。
//
// 约束：
// - 没有链接的平台直接跳过，不产生 Attempt
// - 任何失败（包括 quota）都继续尝试下一个平台；是否登记重试由 onFailure 决定
// - 返回的 attempts 保持尝试顺序；ok=false 表示所有平台都失败
func TryInOrder(ctx context.Context, reg Registry, order []string, links map[string]string, build func(platform, link string) Request, onFailure FailureHook) (winner Attempt, ok bool, attempts []Attempt) {
	for _, name := range order {
		link, has := links[name]
		if !has || link == "" {
			continue
		}
		if ctx.Err() != nil {
			a := Attempt{Platform: name, Link: link, Outcome: domain.Failure(ClassifyError(ctx.Err()), ctx.Err().Error())}
			attempts = append(attempts, a)
			return Attempt{}, false, attempts
		}

		a := Attempt{Platform: name, Link: link}
		a.Outcome = reg.Download(ctx, name, build(name, link))
		if a.Outcome.OK {
			attempts = append(attempts, a)
			return a, true, attempts
		}
		if onFailure != nil {
			a.Queued = onFailure(a)
		}
		attempts = append(attempts, a)
	}
	return Attempt{}, false, attempts
}
