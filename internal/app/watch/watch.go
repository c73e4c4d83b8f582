package watch

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/John-Robertt/epwatch/internal/announce"
	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/logging"
	"github.com/John-Robertt/epwatch/internal/platform"
	"github.com/John-Robertt/epwatch/internal/retry"
)

// Store 是编排层需要的状态读写能力（*state.Store 满足）。
type Store interface {
	SeriesForChannel(channelID string) []domain.SeriesEntry
	AdvanceEpisode(name string, episode int) (bool, error)
}

// Recorder 保存成功下载的历史（history.DB 满足）。
type Recorder interface {
	Record(ctx context.Context, rec domain.DownloadRecord) error
}

// Orchestrator 驱动一条公告的完整处理：扫描重试队列 → 逐个 series 识别并下载 → 再扫描一次。
//
// 约束：
// - 串行处理：同一时刻只处理一条公告，不并行下载
// - last_episode 只在下载器报告成功后推进，且只增不减
// - quota 失败登记延后重试并继续尝试下一个平台；其它失败只记录并继续
type Orchestrator struct {
	Store    Store
	Registry platform.Registry
	Queue    *retry.Queue

	// History 为 nil 时不记录历史。
	History  Recorder
	Observer Observer
	Logger   *slog.Logger

	Now func() time.Time
}

// Sweep 单独扫描一次重试队列（启动时调用）。
// 重试成功的下载与首次下载一样写入历史，并对已落盘的推进发出 OnAdvance。
func (o *Orchestrator) Sweep(ctx context.Context) domain.SweepReport {
	if o.Queue == nil {
		return domain.SweepReport{}
	}
	rep, err := o.Queue.Sweep(ctx)
	if err != nil {
		o.logger().Error("扫描重试队列失败", "error", err)
	}

	for _, rec := range rep.Downloads {
		o.record(ctx, o.logger().With(logging.FieldSeries, rec.Series), rec)
	}
	if o.Observer != nil {
		names := make([]string, 0, len(rep.Advanced))
		for name := range rep.Advanced {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			o.Observer.OnAdvance(name, rep.Advanced[name])
		}
	}
	return rep
}

// Handle 处理一条公告，并返回对外稳定的 HandleReport。
// 单个 series 的失败不会影响其它 series。
func (o *Orchestrator) Handle(ctx context.Context, ann domain.Announcement) domain.HandleReport {
	rep := domain.HandleReport{
		ChannelID: ann.ChannelID,
		StartedAt: o.now(),
	}

	rep.SweepBefore = o.Sweep(ctx)

	entries := o.Store.SeriesForChannel(ann.ChannelID)
	if len(entries) == 0 {
		o.logger().Debug("频道没有绑定 series", "channel_id", ann.ChannelID)
	}
	for _, e := range entries {
		rep.Series = append(rep.Series, o.handleSeries(ctx, e, ann.Content))
	}

	rep.SweepAfter = o.Sweep(ctx)
	rep.FinishedAt = o.now()
	rep.Finalize()

	if o.Observer != nil {
		o.Observer.OnHandled(rep)
	}
	return rep
}

func (o *Orchestrator) handleSeries(ctx context.Context, entry domain.SeriesEntry, text string) domain.SeriesResult {
	log := o.logger().With(logging.FieldSeries, entry.Name)
	res := domain.SeriesResult{Series: entry.Name}

	p := announce.NewProcessor(entry, o.Registry)
	if err := p.Err(); err != nil {
		log.Warn("集数正则不可用，跳过", "error", err)
		res.Status, res.SkipReason = domain.StatusSkipped, domain.SkipBadRegex
		return res
	}

	ep, ok := p.ExtractEpisode(text)
	if !ok {
		log.Debug("公告中没有新集数", "last_episode", entry.LastEpisode)
		res.Status, res.SkipReason = domain.StatusSkipped, domain.SkipNoNewEpisode
		return res
	}
	res.Episode = ep
	log = log.With(logging.FieldEpisode, ep)

	links := p.FindPlatformLinks(text)
	if len(links) == 0 {
		log.Warn("识别到新集数，但公告中没有任何已配置平台的链接")
		res.Status, res.SkipReason = domain.StatusSkipped, domain.SkipNoLinks
		return res
	}

	build := func(name, link string) platform.Request {
		return platform.Request{
			Link:         link,
			Dest:         entry.Path,
			Series:       entry.Name,
			Episode:      ep,
			LastEpisode:  entry.LastEpisode,
			EpisodeRegex: entry.Regex,
			Options:      p.Options(name),
		}
	}
	onFailure := func(a platform.Attempt) bool {
		log.Warn("平台下载失败，尝试下一个平台",
			logging.FieldPlatform, a.Platform,
			logging.FieldReason, string(a.Outcome.Reason),
			"detail", a.Outcome.Detail,
		)
		if a.Outcome.Reason != domain.ReasonQuotaExceeded || o.Queue == nil {
			return false
		}
		if _, err := o.Queue.Enqueue(entry, ep, a.Platform, a.Link, a.Outcome.Reason); err != nil {
			log.Error("登记延后重试失败", logging.FieldPlatform, a.Platform, "error", err)
			return false
		}
		return true
	}

	winner, ok, attempts := platform.TryInOrder(ctx, o.Registry, entry.Platforms, links, build, onFailure)
	for _, a := range attempts {
		res.Attempts = append(res.Attempts, toPlatformAttempt(a))
		if o.Observer != nil {
			o.Observer.OnAttempt(entry.Name, a)
		}
	}

	if !ok {
		log.Error("所有平台均下载失败", "attempts", len(attempts))
		res.Status = domain.StatusFailed
		return res
	}

	record := winner.Outcome.EpisodeToRecord(ep)
	res.Status = domain.StatusDownloaded
	res.Recorded = record

	changed, err := o.Store.AdvanceEpisode(entry.Name, record)
	if err != nil {
		log.Error("保存 last_episode 失败", "recorded", record, "error", err)
	} else if changed {
		log.Info("下载完成",
			logging.FieldPlatform, winner.Platform,
			"recorded", record,
			"files", winner.Outcome.Files,
		)
		if o.Observer != nil {
			o.Observer.OnAdvance(entry.Name, record)
		}
	}

	o.record(ctx, log, domain.DownloadRecord{
		Series:   entry.Name,
		Episode:  record,
		Platform: winner.Platform,
		Link:     winner.Link,
		Files:    winner.Outcome.Files,
		At:       o.now(),
	})
	return res
}

func (o *Orchestrator) record(ctx context.Context, log *slog.Logger, rec domain.DownloadRecord) {
	if o.History == nil {
		return
	}
	if err := o.History.Record(ctx, rec); err != nil {
		log.Warn("写入下载历史失败", "error", err)
	}
}

func toPlatformAttempt(a platform.Attempt) domain.PlatformAttempt {
	pa := domain.PlatformAttempt{
		Platform: a.Platform,
		Link:     a.Link,
		OK:       a.Outcome.OK,
		Reason:   a.Outcome.Reason,
		Detail:   a.Outcome.Detail,
		Queued:   a.Queued,
	}
	if a.Outcome.OK {
		pa.Filename = a.Outcome.Filename
	}
	return pa
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return logging.NewNop()
	}
	return o.Logger
}
