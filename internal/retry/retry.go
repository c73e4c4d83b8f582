package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/logging"
	"github.com/John-Robertt/epwatch/internal/platform"
	"github.com/John-Robertt/epwatch/internal/state"
)

const (
	DefaultMaxAttempts  = 5
	DefaultQuotaBackoff = 4 * time.Hour
	DefaultErrorBackoff = time.Hour
)

// Policy 描述重试队列的退避策略。零值字段使用默认值。
type Policy struct {
	MaxAttempts  int
	QuotaBackoff time.Duration
	ErrorBackoff time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.QuotaBackoff <= 0 {
		p.QuotaBackoff = DefaultQuotaBackoff
	}
	if p.ErrorBackoff <= 0 {
		p.ErrorBackoff = DefaultErrorBackoff
	}
	return p
}

// Backoff 返回某个失败原因对应的退避时长：quota 用 QuotaBackoff，其它一律用 ErrorBackoff。
func (p Policy) Backoff(reason domain.Reason) time.Duration {
	p = p.withDefaults()
	if reason == domain.ReasonQuotaExceeded {
		return p.QuotaBackoff
	}
	return p.ErrorBackoff
}

// Store 是队列需要的持久化能力（*state.Store 满足）。
type Store interface {
	Snapshot() *state.Document
	Update(fn func(doc *state.Document) error) error
}

// Observer 接收队列事件（metrics 等）。实现不应阻塞。
type Observer interface {
	OnRetryOutcome(item domain.RetryItem, out domain.Outcome)
	OnRetryDropped(item domain.RetryItem, reason domain.Reason)
	OnQueueSize(n int)
}

// Queue 是持久化的延后下载队列。
//
// 约束：
// - 与编排层共用同一个 Registry，重试与首次下载走同一套下载器
// - Sweep 先完整扫描，再按结果重建队列并一次性落盘
type Queue struct {
	Store    Store
	Registry platform.Registry
	Policy   Policy
	Observer Observer
	Logger   *slog.Logger

	// Now 允许测试注入时间。
	Now func() time.Time
	// NewID 允许测试注入条目 ID。
	NewID func() string
}

// Enqueue 登记一次延后重试：attempts=1，next_retry=now+QuotaBackoff。
// 同一 series/episode/platform 已在队列中时不重复登记，返回 false。
func (q *Queue) Enqueue(entry domain.SeriesEntry, episode int, platformName, link string, reason domain.Reason) (bool, error) {
	now := q.now()
	item := domain.RetryItem{
		ID:        q.newID(),
		EntryName: entry.Name,
		Episode:   episode,
		Platform:  platformName,
		Link:      link,
		Path:      entry.Path,
		ChannelID: entry.ChannelID,
		Attempts:  1,
		NextRetry: now.Add(q.policy().QuotaBackoff),
		Reason:    reason,
	}

	added := false
	size := 0
	err := q.Store.Update(func(doc *state.Document) error {
		added = doc.AppendRetry(item)
		size = len(doc.Retry)
		if !added {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		q.logger().Info("重试条目已存在，跳过登记",
			logging.FieldSeries, entry.Name,
			logging.FieldEpisode, episode,
			logging.FieldPlatform, platformName,
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("登记重试失败：%w", err)
	}

	q.logger().Info("已登记延后重试",
		logging.FieldSeries, entry.Name,
		logging.FieldEpisode, episode,
		logging.FieldPlatform, platformName,
		logging.FieldReason, string(reason),
		"next_retry", item.NextRetry.UTC().Format(time.RFC3339),
	)
	if q.Observer != nil {
		q.Observer.OnQueueSize(size)
	}
	return true, nil
}

// verdict 是扫描阶段对单个条目的处理结论（扫描结束后统一应用）。
type verdict int

const (
	keep verdict = iota
	reschedule
	remove
)

// Sweep 处理所有到期条目，并返回本次扫描的统计。
//
// 规则：
// - 未到期：不动
// - series 已删除或集数已不再是新集：直接移除（stale），不下载
// - 成功：推进 last_episode，移除
// - 失败：attempts+1；达到 MaxAttempts 则移除并报告为终态失败，否则按原因退避
func (q *Queue) Sweep(ctx context.Context) (domain.SweepReport, error) {
	now := q.now()
	pol := q.policy()
	doc := q.Store.Snapshot()

	var rep domain.SweepReport
	rep.Checked = len(doc.Retry)

	type result struct {
		v    verdict
		item domain.RetryItem
	}
	results := make([]result, 0, len(doc.Retry))
	advances := map[string]int{}

	for _, item := range doc.Retry {
		if item.NextRetry.After(now) {
			results = append(results, result{v: keep, item: item})
			continue
		}

		entry, ok := doc.Entry(item.EntryName)
		if !ok || item.Episode <= entry.LastEpisode || item.Episode <= advances[item.EntryName] {
			rep.Stale++
			results = append(results, result{v: remove, item: item})
			q.logger().Info("移除过期的重试条目",
				logging.FieldSeries, item.EntryName,
				logging.FieldEpisode, item.Episode,
				logging.FieldPlatform, item.Platform,
			)
			continue
		}
		if ctx.Err() != nil {
			results = append(results, result{v: keep, item: item})
			continue
		}

		rep.Due++
		out := q.Registry.Download(ctx, item.Platform, platform.Request{
			Link:         item.Link,
			Dest:         item.Path,
			Series:       item.EntryName,
			Episode:      item.Episode,
			LastEpisode:  entry.LastEpisode,
			EpisodeRegex: entry.Regex,
			Options:      entry.Options(item.Platform),
		})
		if q.Observer != nil {
			q.Observer.OnRetryOutcome(item, out)
		}

		if out.OK {
			rep.Succeeded++
			ep := out.EpisodeToRecord(item.Episode)
			if ep > advances[item.EntryName] {
				advances[item.EntryName] = ep
			}
			rep.Downloads = append(rep.Downloads, domain.DownloadRecord{
				Series:   item.EntryName,
				Episode:  ep,
				Platform: item.Platform,
				Link:     item.Link,
				Files:    out.Files,
				At:       now,
			})
			results = append(results, result{v: remove, item: item})
			q.logger().Info("重试下载成功",
				logging.FieldSeries, item.EntryName,
				logging.FieldEpisode, ep,
				logging.FieldPlatform, item.Platform,
				"filename", out.Filename,
			)
			continue
		}

		item.Attempts++
		item.Reason = out.Reason
		if item.Attempts >= pol.MaxAttempts {
			rep.Dropped++
			rep.Terminal = append(rep.Terminal, item)
			results = append(results, result{v: remove, item: item})
			if q.Observer != nil {
				q.Observer.OnRetryDropped(item, out.Reason)
			}
			q.logger().Error("重试次数耗尽，放弃下载",
				logging.FieldSeries, item.EntryName,
				logging.FieldEpisode, item.Episode,
				logging.FieldPlatform, item.Platform,
				logging.FieldReason, string(out.Reason),
				"attempts", item.Attempts,
				"detail", out.Detail,
			)
			continue
		}

		rep.Rescheduled++
		item.NextRetry = now.Add(pol.Backoff(out.Reason))
		results = append(results, result{v: reschedule, item: item})
		q.logger().Warn("重试失败，已重新排期",
			logging.FieldSeries, item.EntryName,
			logging.FieldEpisode, item.Episode,
			logging.FieldPlatform, item.Platform,
			logging.FieldReason, string(out.Reason),
			"attempts", item.Attempts,
			"next_retry", item.NextRetry.UTC().Format(time.RFC3339),
		)
	}

	changed := len(advances) > 0
	kept := make([]domain.RetryItem, 0, len(results))
	for _, r := range results {
		switch r.v {
		case keep:
			kept = append(kept, r.item)
		case reschedule:
			kept = append(kept, r.item)
			changed = true
		case remove:
			changed = true
		}
	}
	if !changed {
		if q.Observer != nil {
			q.Observer.OnQueueSize(len(kept))
		}
		return rep, nil
	}

	size := 0
	var applied map[string]int
	err := q.Store.Update(func(doc *state.Document) error {
		applied = map[string]int{}
		for name, ep := range advances {
			changed, err := doc.AdvanceEpisode(name, ep)
			if err != nil {
				return err
			}
			if changed {
				applied[name] = ep
			}
		}
		doc.Retry = mergeKept(doc.Retry, rep.Checked, kept)
		size = len(doc.Retry)
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("保存重试队列失败：%w", err)
	}
	if len(applied) > 0 {
		rep.Advanced = applied
	}
	if q.Observer != nil {
		q.Observer.OnQueueSize(size)
	}
	return rep, nil
}

// mergeKept 用扫描结果替换快照时的前 scanned 个条目；扫描期间追加的条目原样保留在末尾。
func mergeKept(current []domain.RetryItem, scanned int, kept []domain.RetryItem) []domain.RetryItem {
	out := append([]domain.RetryItem(nil), kept...)
	if len(current) > scanned {
		out = append(out, current[scanned:]...)
	}
	return out
}

// Items 返回当前队列（副本）。
func (q *Queue) Items() []domain.RetryItem {
	return append([]domain.RetryItem(nil), q.Store.Snapshot().Retry...)
}

// Drop 按 ID 移除条目；不存在时返回 false。
func (q *Queue) Drop(id string) (bool, error) {
	found := false
	err := q.Store.Update(func(doc *state.Document) error {
		out := doc.Retry[:0:0]
		for _, it := range doc.Retry {
			if it.ID == id {
				found = true
				continue
			}
			out = append(out, it)
		}
		if !found {
			return errNoChange
		}
		doc.Retry = out
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	return found, err
}

var errNoChange = errors.New("retry: no change")

func (q *Queue) policy() Policy { return q.Policy.withDefaults() }

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) newID() string {
	if q.NewID != nil {
		return q.NewID()
	}
	return uuid.NewString()
}

func (q *Queue) logger() *slog.Logger {
	if q.Logger == nil {
		return logging.NewNop()
	}
	return q.Logger
}
